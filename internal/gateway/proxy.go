package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"MeshGate/internal/audit"
	"MeshGate/internal/auth"
	"MeshGate/internal/retry"
	"MeshGate/pkg/monitor"
	"MeshGate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// hopByHopHeaders never cross the proxy boundary.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// callerTransportHeaders identify the original caller's transport and
// credentials; the mesh identity headers replace them.
var callerTransportHeaders = []string{
	"Authorization",
	"Cookie",
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
	"X-User-ID",
	"X-User-Tier",
}

type upstreamResult struct {
	status  int
	headers http.Header
	body    []byte
}

// proxyHandler forwards /mesh/:service/*path to the configured
// upstream through breaker(retry(fetch)).
func (g *Gateway) proxyHandler(c *gin.Context) {
	start := time.Now()
	identity := identityFrom(c)
	serviceName := c.Param("service")
	upstreamPath := c.Param("path")

	g.collector.RecordRequest(c.Request.URL.Path, serviceName)

	base, ok := g.upstreams[serviceName]
	if !ok {
		g.collector.RecordError(c.Request.URL.Path, "ValidationError", time.Since(start))
		response.ReplyNotFound(c, "unknown upstream service "+serviceName)
		return
	}
	br, ok := g.breakers.Get(serviceName)
	if !ok {
		g.collector.RecordError(c.Request.URL.Path, "ValidationError", time.Since(start))
		response.ReplyNotFound(c, "no circuit configured for "+serviceName)
		return
	}

	// buffer the body once so every retry attempt can resend it
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			response.ReplyError500(c, "failed to read request body")
			return
		}
	}

	target := strings.TrimRight(base, "/") + upstreamPath
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	policy := g.policyFor(serviceName, c.Request.Method)
	var result upstreamResult

	// The caller disconnecting must not corrupt breaker accounting or
	// lose the latency observation, so the upstream call detaches from
	// the request context. The breaker applies its own timeout.
	callCtx := context.WithoutCancel(c.Request.Context())

	err := br.Execute(callCtx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func(ctx context.Context) error {
			return g.fetch(ctx, c, target, serviceName, identity.RequestID, identity.ServiceID, body, policy, &result)
		}, policy)
	})

	duration := time.Since(start)
	g.recordBreakerState(callCtx, serviceName)

	if err != nil {
		g.collector.RecordError(c.Request.URL.Path, errorType(err), duration)
		g.auditRecord(callCtx, c, identity, serviceName, errorStatus(err), duration)
		zap.L().Warn("proxy call failed",
			zap.String("upstream", serviceName),
			zap.String("request_id", identity.RequestID),
			zap.Error(err))
		g.replyProxyError(c, err)
		return
	}

	g.collector.RecordResponse(c.Request.URL.Path, serviceName, result.status, duration)
	g.auditRecord(callCtx, c, identity, serviceName, result.status, duration)

	for k, vals := range result.headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Header("X-Service-Mesh", g.name)
	c.Header("X-Request-ID", identity.RequestID)
	c.Data(result.status, result.headers.Get("Content-Type"), result.body)
}

// policyFor picks the retry policy: a configured per-upstream preset
// wins, otherwise method semantics decide.
func (g *Gateway) policyFor(service, method string) retry.Policy {
	if p, ok := g.policies[service]; ok {
		return p
	}
	return retry.ForMethod(method)
}

// fetch performs one upstream attempt. Responses >=500 (and 429 when
// the policy opts in) are raised as errors so the breaker and retry
// loop see them.
func (g *Gateway) fetch(ctx context.Context, c *gin.Context, target, serviceName, requestID, callerService string, body []byte, policy retry.Policy, out *upstreamResult) error {
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	copyProxyHeaders(req.Header, c.Request.Header)
	req.Header.Set("X-Service-Mesh", g.name)
	req.Header.Set("X-Forwarded-Service", callerService)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Service-Identity", callerService)

	task := monitor.NewTask()
	resp, err := g.client.Do(req)
	if err != nil {
		g.upMon.CompleteTask(task, false)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.upMon.CompleteTask(task, false)
		return err
	}

	if resp.StatusCode >= 500 || (resp.StatusCode == http.StatusTooManyRequests && policy.RetryableStatuses[http.StatusTooManyRequests]) {
		g.upMon.CompleteTask(task, false)
		return &UpstreamError{Upstream: serviceName, Status: resp.StatusCode}
	}

	g.upMon.CompleteTask(task, true)
	out.status = resp.StatusCode
	out.headers = resp.Header.Clone()
	out.body = respBody
	return nil
}

func copyProxyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) || isCallerTransport(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func isCallerTransport(key string) bool {
	for _, h := range callerTransportHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func (g *Gateway) recordBreakerState(ctx context.Context, serviceName string) {
	if br, ok := g.breakers.Get(serviceName); ok {
		g.collector.RecordCircuitBreakerState(serviceName, string(br.Snapshot(ctx).State))
	}
}

func (g *Gateway) auditRecord(ctx context.Context, c *gin.Context, identity *auth.ServiceIdentity, serviceName string, status int, duration time.Duration) {
	if g.audit == nil {
		return
	}
	g.audit.Record(ctx, audit.Entry{
		RequestID:     identity.RequestID,
		CallerService: identity.ServiceID,
		Upstream:      serviceName,
		Method:        c.Request.Method,
		Path:          c.Request.URL.Path,
		Status:        status,
		DurationMS:    duration.Milliseconds(),
	})
}

func (g *Gateway) replyProxyError(c *gin.Context, err error) {
	switch errorStatus(err) {
	case 503:
		response.ReplyServiceUnavailable(c, err.Error())
	case 504:
		response.ReplyGatewayTimeout(c, err.Error())
	default:
		response.ReplyBadGateway(c, err.Error())
	}
}
