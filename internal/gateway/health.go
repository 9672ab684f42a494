package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 2 * time.Second

type upstreamHealth struct {
	Healthy   bool   `json:"healthy"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// healthHandler probes every upstream concurrently. One slow or failed
// probe never blocks or fails the others.
func (g *Gateway) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	results := make(map[string]upstreamHealth, len(g.upstreams))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, base := range g.upstreams {
		wg.Add(1)
		go func(name, base string) {
			defer wg.Done()
			h := g.probe(ctx, base)
			mu.Lock()
			results[name] = h
			mu.Unlock()
		}(name, base)
	}
	wg.Wait()

	status := "healthy"
	for _, h := range results {
		if !h.Healthy {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"service":         g.name,
		"upstreams":       results,
		"circuitBreakers": g.breakers.Snapshots(ctx),
	})
}

func (g *Gateway) probe(ctx context.Context, base string) upstreamHealth {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return upstreamHealth{Healthy: false, Error: err.Error()}
	}
	resp, err := g.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return upstreamHealth{Healthy: false, Error: err.Error(), LatencyMS: latency}
	}
	defer resp.Body.Close()
	return upstreamHealth{
		Healthy:   resp.StatusCode < 500,
		Status:    resp.StatusCode,
		LatencyMS: latency,
	}
}
