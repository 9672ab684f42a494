package gateway

import (
	"errors"
	"strconv"
	"time"

	"MeshGate/internal/auth"
	"MeshGate/internal/ratelimit"
	"MeshGate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityKey = "serviceIdentity"

// authMiddleware runs the zero-trust checks and stores the identity on
// the request context. Failures are terminal: 401 for bad credentials,
// 403 for a valid identity that is not allowed here.
func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		identity, err := g.auth.Authenticate(c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrAuthorization) {
				g.collector.RecordError(c.Request.URL.Path, "AuthorizationError", time.Since(start))
				response.ReplyForbidden(c, err.Error())
			} else {
				g.collector.RecordError(c.Request.URL.Path, "AuthenticationError", time.Since(start))
				response.ReplyUnauthorized(c, err.Error())
			}
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Header("X-Service-ID", identity.ServiceID)
		c.Header("X-Request-ID", identity.RequestID)
		c.Next()
	}
}

func identityFrom(c *gin.Context) *auth.ServiceIdentity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.ServiceIdentity)
	return id
}

// callerID resolves who to count quotas against: an explicit user
// header first, then the caller's network address.
func callerID(c *gin.Context) string {
	if uid := c.GetHeader("X-User-ID"); uid != "" {
		return uid
	}
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}

func callerTier(c *gin.Context) string {
	switch tier := c.GetHeader("X-User-Tier"); tier {
	case ratelimit.TierPremium, ratelimit.TierAuthenticated, ratelimit.TierAnonymous:
		return tier
	}
	if c.GetHeader("X-User-ID") != "" {
		return ratelimit.TierAuthenticated
	}
	return ratelimit.TierAnonymous
}

// rateLimitMiddleware enforces the quota checks before any upstream
// resolution. A 429 here is terminal; the retry executor never retries
// it.
func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerID(c)
		service := c.Param("service")
		res := g.limiter.Check(c.Request.Context(), caller, callerTier(c), service)

		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}

		switch res.Outcome {
		case ratelimit.Allowed:
			c.Next()
			return
		case ratelimit.Blocked:
			zap.L().Warn("blocked flooding source", zap.String("caller", caller))
			g.collector.RecordError(c.Request.URL.Path, "RateLimitExceededError", 0)
			g.collector.RecordRateLimitExceeded(service)
			response.ReplyForbidden(c, "source blocked")
		case ratelimit.Challenged:
			g.collector.RecordError(c.Request.URL.Path, "RateLimitExceededError", 0)
			g.collector.RecordRateLimitExceeded(service)
			c.Header("Retry-After", strconv.FormatInt(int64(time.Until(res.ResetAt).Seconds())+1, 10))
			response.ReplyTooManyRequests(c, "traffic challenge required, slow down")
		default:
			g.collector.RecordError(c.Request.URL.Path, "RateLimitExceededError", 0)
			g.collector.RecordRateLimitExceeded(service)
			c.Header("Retry-After", strconv.FormatInt(int64(time.Until(res.ResetAt).Seconds())+1, 10))
			response.ReplyTooManyRequests(c, "quota exhausted for scope "+res.Scope)
		}
		c.Abort()
	}
}
