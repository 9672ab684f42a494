package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MeshGate/internal/store"

	"go.uber.org/zap"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrCircuitOpen rejects calls while the circuit is open and the
	// reset timeout has not elapsed.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrCircuitProbing rejects calls beyond the half-open probe cap.
	ErrCircuitProbing = errors.New("circuit probing")
	// ErrTimeout marks a call that outlived the per-call budget. It
	// counts as a failure toward the threshold.
	ErrTimeout = errors.New("call timed out")
)

// recordTTL bounds abandoned breaker records so they self-heal to
// CLOSED by expiry.
const recordTTL = time.Hour

// Settings are the per-upstream breaker tunables.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenRequests int
	Timeout          time.Duration
}

// DefaultSettings fit financial upstreams.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 3,
		Timeout:          5 * time.Second,
	}
}

// record is the persisted per-upstream state. One record exists per
// (upstream, deployment); every Execute does a read-modify-write
// against the shared store so a fleet of stateless instances shares one
// breaker.
type record struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	SuccessCount    int       `json:"successCount"`
	RequestCount    int       `json:"requestCount"`
}

// Breaker guards one upstream.
type Breaker struct {
	name     string
	key      string
	settings Settings
	store    store.Store
	now      func() time.Time
}

func New(name, deployment string, settings Settings, st store.Store) *Breaker {
	return &Breaker{
		name:     name,
		key:      fmt.Sprintf("circuit:%s:%s", deployment, name),
		settings: settings,
		store:    st,
		now:      time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Execute admits or rejects op according to the state machine and
// records the outcome. Retrying is the caller's concern; the breaker
// sees one outcome per call.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	rec := b.load(ctx)
	now := b.now()

	switch rec.State {
	case StateOpen:
		if now.Sub(rec.LastFailureTime) < b.settings.ResetTimeout {
			return fmt.Errorf("%w: upstream %s", ErrCircuitOpen, b.name)
		}
		rec.State = StateHalfOpen
		rec.RequestCount = 0
		b.save(ctx, rec)
	case StateHalfOpen:
		if rec.RequestCount >= b.settings.HalfOpenRequests {
			return fmt.Errorf("%w: upstream %s", ErrCircuitProbing, b.name)
		}
	}

	err := b.callWithTimeout(ctx, op)
	rec = b.load(ctx)
	if err != nil {
		b.onFailure(ctx, rec)
		return err
	}
	b.onSuccess(ctx, rec)
	return nil
}

// callWithTimeout races op against the per-call budget. The loser is
// ignored: op keeps its own goroutine and may finish late.
func (b *Breaker) callWithTimeout(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: upstream %s after %s", ErrTimeout, b.name, b.settings.Timeout)
		}
		return callCtx.Err()
	}
}

func (b *Breaker) onSuccess(ctx context.Context, rec record) {
	switch rec.State {
	case StateHalfOpen:
		rec.RequestCount++
		rec.Failures = 0
		if rec.RequestCount >= b.settings.HalfOpenRequests {
			rec.State = StateClosed
			rec.RequestCount = 0
			zap.L().Info("circuit closed after recovery", zap.String("upstream", b.name))
		}
	default:
		rec.Failures = 0
	}
	rec.SuccessCount++
	b.save(ctx, rec)
}

func (b *Breaker) onFailure(ctx context.Context, rec record) {
	now := b.now()
	switch rec.State {
	case StateHalfOpen:
		rec.State = StateOpen
		rec.LastFailureTime = now
		zap.L().Warn("circuit re-opened by failed probe", zap.String("upstream", b.name))
	default:
		rec.Failures++
		rec.LastFailureTime = now
		if rec.Failures >= b.settings.FailureThreshold {
			rec.State = StateOpen
			zap.L().Warn("circuit opened",
				zap.String("upstream", b.name),
				zap.Int("failures", rec.Failures))
		}
	}
	b.save(ctx, rec)
}

// load reads the persisted record. A missing or unreadable record is a
// fresh CLOSED circuit: the gateway favors admitting traffic over
// failing on store trouble.
func (b *Breaker) load(ctx context.Context) record {
	rec := record{State: StateClosed}
	data, err := b.store.Get(ctx, b.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("failed to load circuit state", zap.String("upstream", b.name), zap.Error(err))
		}
		return rec
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		zap.L().Warn("invalid circuit state record", zap.String("upstream", b.name), zap.Error(err))
		return record{State: StateClosed}
	}
	return rec
}

func (b *Breaker) save(ctx context.Context, rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := b.store.Put(ctx, b.key, string(data), recordTTL); err != nil {
		zap.L().Warn("failed to save circuit state", zap.String("upstream", b.name), zap.Error(err))
	}
}

// Snapshot reports the current persisted state for health and metrics.
type Snapshot struct {
	State        State     `json:"state"`
	Failures     int       `json:"failures"`
	SuccessCount int       `json:"successCount"`
	RequestCount int       `json:"requestCount"`
	LastFailure  time.Time `json:"lastFailureTime"`
}

func (b *Breaker) Snapshot(ctx context.Context) Snapshot {
	rec := b.load(ctx)
	return Snapshot{
		State:        rec.State,
		Failures:     rec.Failures,
		SuccessCount: rec.SuccessCount,
		RequestCount: rec.RequestCount,
		LastFailure:  rec.LastFailureTime,
	}
}
