package gateway

import (
	"net/http"
	"time"

	"MeshGate/internal/audit"
	"MeshGate/internal/breaker"
	"MeshGate/internal/metrics"
	"MeshGate/internal/ratelimit"
	"MeshGate/internal/retry"

	"MeshGate/internal/auth"
	"MeshGate/pkg/logger"
	"MeshGate/pkg/monitor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gateway wires authentication, rate limiting, circuit breaking, retry
// and metrics around upstream calls. All dependencies are injected by
// the composition root; there is no package-level instance.
type Gateway struct {
	name      string
	auth      *auth.Authenticator
	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	collector *metrics.Collector
	publisher *metrics.Publisher
	audit     *audit.Logger // nil when audit is disabled
	upstreams map[string]string
	policies  map[string]retry.Policy
	client    *http.Client
	upMon     *monitor.Monitor
}

// Options bundles the injected dependencies.
type Options struct {
	Name          string
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Breakers      *breaker.Registry
	Collector     *metrics.Collector
	Publisher     *metrics.Publisher
	Audit         *audit.Logger
	Upstreams     map[string]string
	// RetryPolicies maps upstream name to a retry preset name; unknown
	// names fall back to the per-method default.
	RetryPolicies map[string]string
	Client        *http.Client
}

func New(opts Options) *Gateway {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	policies := make(map[string]retry.Policy, len(opts.RetryPolicies))
	for upstream, preset := range opts.RetryPolicies {
		p, ok := retry.ForName(preset)
		if !ok {
			zap.L().Warn("unknown retry policy preset, using method default",
				zap.String("upstream", upstream),
				zap.String("policy", preset))
			continue
		}
		policies[upstream] = p
	}
	return &Gateway{
		name:      opts.Name,
		auth:      opts.Authenticator,
		limiter:   opts.Limiter,
		breakers:  opts.Breakers,
		collector: opts.Collector,
		publisher: opts.Publisher,
		audit:     opts.Audit,
		upstreams: opts.Upstreams,
		policies:  policies,
		client:    client,
		upMon:     monitor.NewMonitor("upstream", 1024, 60000),
	}
}

// UpstreamMonitor exposes the upstream call monitor so the composition
// root can run it.
func (g *Gateway) UpstreamMonitor() *monitor.Monitor { return g.upMon }

// NewRouter builds the gin engine with all gateway routes registered.
func (g *Gateway) NewRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logger.GinLogger(), logger.GinRecovery(true))
	r.Use(securityHeaders())

	// every route is authenticated; no implicit trust from the network
	authed := r.Group("/", g.authMiddleware())
	{
		authed.GET("/health", g.healthHandler)
		authed.GET("/_health", g.healthHandler)
		authed.GET("/metrics", g.metricsHandler)
		authed.GET("/metrics/prometheus", gin.WrapH(monitor.Handler()))
		authed.GET("/metrics/stream", g.streamHandler)

		mesh := authed.Group("/mesh", g.rateLimitMiddleware())
		mesh.Any("/:service/*path", g.proxyHandler)
	}
	return r
}

// securityHeaders stamps the hardening headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}
