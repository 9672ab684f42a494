package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MeshGate/internal/store"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Caller tiers. Unknown tiers are limited as anonymous.
const (
	TierAnonymous     = "anonymous"
	TierAuthenticated = "authenticated"
	TierPremium       = "premium"
)

// Outcome of a rate-limit check.
type Outcome int

const (
	// Allowed admits the request.
	Allowed Outcome = iota
	// Limited rejects with 429 and window headers.
	Limited
	// Challenged asks the source to prove it is not a flood.
	Challenged
	// Blocked rejects the source outright.
	Blocked
)

// Result carries what the router needs for X-RateLimit-* headers.
type Result struct {
	Outcome   Outcome
	Scope     string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Config holds the quota tables. All values come from configuration;
// nothing is derived at runtime.
type Config struct {
	Window          time.Duration
	TierLimits      map[string]int
	ServiceLimits   map[string]int
	GlobalPerWindow int
	DDoSChallengeAt int
	DDoSBlockAt     int
	LocalRPS        float64
	LocalBurst      int
}

// windowRecord is the persisted fixed-window counter. Reset is lazy:
// a stale record is treated as empty on next access, there is no
// background sweeper.
type windowRecord struct {
	Count         int   `json:"count"`
	WindowResetAt int64 `json:"windowResetAt"`
}

// Limiter enforces fixed-window quotas in the shared store, with a
// local token bucket ahead of it so floods don't become store
// round-trips.
type Limiter struct {
	store store.Store
	cfg   Config
	local *rate.Limiter
	now   func() time.Time
}

func New(cfg Config, st store.Store) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	var local *rate.Limiter
	if cfg.LocalRPS > 0 {
		burst := cfg.LocalBurst
		if burst <= 0 {
			burst = int(cfg.LocalRPS)
		}
		local = rate.NewLimiter(rate.Limit(cfg.LocalRPS), burst)
	}
	return &Limiter{store: st, cfg: cfg, local: local, now: time.Now}
}

// Check applies, in order: the local admission gate, the DDoS
// thresholds, the global ceiling, the service-scoped quota, then the
// tier-scoped quota. The first non-allowed outcome wins.
func (l *Limiter) Check(ctx context.Context, callerID, tier, serviceName string) Result {
	if l.local != nil && !l.local.Allow() {
		return Result{Outcome: Limited, Scope: "instance", ResetAt: l.windowEnd()}
	}

	if r := l.checkDDoS(ctx, callerID); r.Outcome != Allowed {
		return r
	}

	if l.cfg.GlobalPerWindow > 0 {
		if r := l.checkWindow(ctx, "global:gateway", l.cfg.GlobalPerWindow, "global"); r.Outcome != Allowed {
			return r
		}
	}

	if serviceName != "" {
		if limit, ok := l.cfg.ServiceLimits[serviceName]; ok {
			key := fmt.Sprintf("service:%s:%s", serviceName, callerID)
			if r := l.checkWindow(ctx, key, limit, "service"); r.Outcome != Allowed {
				return r
			}
		}
	}

	limit, ok := l.cfg.TierLimits[tier]
	if !ok {
		limit = l.cfg.TierLimits[TierAnonymous]
	}
	if limit <= 0 {
		return Result{Outcome: Allowed, Scope: "user", Limit: 0, Remaining: 0, ResetAt: l.windowEnd()}
	}
	key := fmt.Sprintf("user:%s:%s", tier, callerID)
	return l.checkWindow(ctx, key, limit, "user")
}

// checkWindow does the fixed-window read-modify-write. Two concurrent
// callers can both read count=N and both admit; that slight
// over-admission is accepted for the latency win.
func (l *Limiter) checkWindow(ctx context.Context, key string, limit int, scope string) Result {
	now := l.now()
	storeKey := "ratelimit:" + key

	rec := windowRecord{}
	if data, err := l.store.Get(ctx, storeKey); err == nil {
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			rec = windowRecord{}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		// store trouble: admit rather than fail the request
		zap.L().Warn("rate limit store read failed", zap.String("key", key), zap.Error(err))
		return Result{Outcome: Allowed, Scope: scope, Limit: limit, Remaining: limit, ResetAt: l.windowEnd()}
	}

	if rec.WindowResetAt <= now.Unix() {
		rec.Count = 0
		rec.WindowResetAt = l.windowEnd().Unix()
	}
	resetAt := time.Unix(rec.WindowResetAt, 0)

	if rec.Count >= limit {
		return Result{Outcome: Limited, Scope: scope, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}

	rec.Count++
	data, _ := json.Marshal(rec)
	// TTL runs a bit past the window to survive clock skew
	if err := l.store.Put(ctx, storeKey, string(data), l.cfg.Window+30*time.Second); err != nil {
		zap.L().Warn("rate limit store write failed", zap.String("key", key), zap.Error(err))
	}

	return Result{
		Outcome:   Allowed,
		Scope:     scope,
		Limit:     limit,
		Remaining: limit - rec.Count,
		ResetAt:   resetAt,
	}
}

// checkDDoS counts raw requests per source in the current window and
// applies the challenge/block threshold pair, independently of the
// per-user and per-service quotas.
func (l *Limiter) checkDDoS(ctx context.Context, callerID string) Result {
	if l.cfg.DDoSBlockAt <= 0 && l.cfg.DDoSChallengeAt <= 0 {
		return Result{Outcome: Allowed}
	}
	bucket := l.now().Unix() / int64(l.cfg.Window.Seconds())
	key := fmt.Sprintf("ratelimit:ddos:%s:%d", callerID, bucket)
	n, err := l.store.Incr(ctx, key, l.cfg.Window+30*time.Second)
	if err != nil {
		zap.L().Warn("ddos counter failed", zap.String("caller", callerID), zap.Error(err))
		return Result{Outcome: Allowed}
	}
	switch {
	case l.cfg.DDoSBlockAt > 0 && n >= int64(l.cfg.DDoSBlockAt):
		zap.L().Warn("source blocked", zap.String("caller", callerID), zap.Int64("count", n))
		return Result{Outcome: Blocked, Scope: "ddos", ResetAt: l.windowEnd()}
	case l.cfg.DDoSChallengeAt > 0 && n >= int64(l.cfg.DDoSChallengeAt):
		return Result{Outcome: Challenged, Scope: "ddos", ResetAt: l.windowEnd()}
	}
	return Result{Outcome: Allowed}
}

// windowEnd is the end of the current fixed window: ceil(now/window).
func (l *Limiter) windowEnd() time.Time {
	w := int64(l.cfg.Window.Seconds())
	now := l.now().Unix()
	return time.Unix(((now/w)+1)*w, 0)
}
