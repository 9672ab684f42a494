package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// MetricData is a running latency aggregate with O(1) updates.
type MetricData struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

func (m *MetricData) observe(v float64) {
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if m.Count == 0 || v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Sum += v
	m.Avg = m.Sum / float64(m.Count)
}

func (m *MetricData) merge(o MetricData) {
	if o.Count == 0 {
		return
	}
	if m.Count == 0 || o.Min < m.Min {
		m.Min = o.Min
	}
	if m.Count == 0 || o.Max > m.Max {
		m.Max = o.Max
	}
	m.Count += o.Count
	m.Sum += o.Sum
	m.Avg = m.Sum / float64(m.Count)
}

// Percentiles are computed from the bounded sample buffer, so they are
// approximate: only the most recent sampleSize observations count.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// RequestCounts groups request counters.
type RequestCounts struct {
	Total         int64            `json:"total"`
	ByPath        map[string]int64 `json:"byPath"`
	ByService     map[string]int64 `json:"byService"`
	ByStatusClass map[string]int64 `json:"byStatusClass"`
}

// ErrorCounts groups error counters.
type ErrorCounts struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
	ByPath map[string]int64 `json:"byPath"`
}

// LatencyMetrics groups latency aggregates.
type LatencyMetrics struct {
	Overall     MetricData             `json:"overall"`
	ByPath      map[string]*MetricData `json:"byPath"`
	ByService   map[string]*MetricData `json:"byService"`
	Percentiles Percentiles            `json:"percentiles"`
}

// ServiceMetrics is the composite snapshot built fresh per scrape.
type ServiceMetrics struct {
	Instance          string            `json:"instance,omitempty"`
	GeneratedAt       time.Time         `json:"generatedAt"`
	Requests          RequestCounts     `json:"requests"`
	Errors            ErrorCounts       `json:"errors"`
	Latency           LatencyMetrics    `json:"latency"`
	CircuitBreakers   map[string]string `json:"circuitBreakers"`
	RateLimitExceeded map[string]int64  `json:"rateLimitExceeded"`
}

const defaultSampleSize = 1000

// Collector accumulates per-request observations in process memory.
// Cross-instance visibility goes through snapshot persistence, see
// snapshot.go.
type Collector struct {
	mu       sync.Mutex
	instance string

	requestsTotal     int64
	requestsByPath    map[string]int64
	requestsByService map[string]int64
	requestsByStatus  map[string]int64

	errorsTotal  int64
	errorsByType map[string]int64
	errorsByPath map[string]int64

	latencyOverall   MetricData
	latencyByPath    map[string]*MetricData
	latencyByService map[string]*MetricData

	// ring buffer of recent durations, oldest evicted first
	samples    []float64
	sampleNext int
	sampleSize int

	breakerStates     map[string]string
	rateLimitExceeded map[string]int64
}

func NewCollector(instance string, sampleSize int) *Collector {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	return &Collector{
		instance:          instance,
		requestsByPath:    make(map[string]int64),
		requestsByService: make(map[string]int64),
		requestsByStatus:  make(map[string]int64),
		errorsByType:      make(map[string]int64),
		errorsByPath:      make(map[string]int64),
		latencyByPath:     make(map[string]*MetricData),
		latencyByService:  make(map[string]*MetricData),
		sampleSize:        sampleSize,
		breakerStates:     make(map[string]string),
		rateLimitExceeded: make(map[string]int64),
	}
}

func (c *Collector) RecordRequest(path, service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsTotal++
	c.requestsByPath[path]++
	if service != "" {
		c.requestsByService[service]++
	}
}

func (c *Collector) RecordResponse(path, service string, statusCode int, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	class := fmt.Sprintf("%dxx", statusCode/100)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsByStatus[class]++
	c.observeLatency(path, service, ms)
}

func (c *Collector) RecordError(path, errorType string, duration time.Duration) {
	ms := float64(duration.Milliseconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorsTotal++
	c.errorsByType[errorType]++
	c.errorsByPath[path]++
	c.observeLatency(path, "", ms)
}

func (c *Collector) RecordCircuitBreakerState(upstream, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerStates[upstream] = state
}

func (c *Collector) RecordRateLimitExceeded(service string) {
	if service == "" {
		service = "unknown"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitExceeded[service]++
}

func (c *Collector) observeLatency(path, service string, ms float64) {
	c.latencyOverall.observe(ms)
	md := c.latencyByPath[path]
	if md == nil {
		md = &MetricData{}
		c.latencyByPath[path] = md
	}
	md.observe(ms)
	if service != "" {
		md = c.latencyByService[service]
		if md == nil {
			md = &MetricData{}
			c.latencyByService[service] = md
		}
		md.observe(ms)
	}

	if len(c.samples) < c.sampleSize {
		c.samples = append(c.samples, ms)
	} else {
		c.samples[c.sampleNext] = ms
		c.sampleNext = (c.sampleNext + 1) % c.sampleSize
	}
}

// Snapshot builds a fresh ServiceMetrics from the accumulator.
func (c *Collector) Snapshot() ServiceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ServiceMetrics{
		Instance:    c.instance,
		GeneratedAt: time.Now(),
		Requests: RequestCounts{
			Total:         c.requestsTotal,
			ByPath:        copyCounts(c.requestsByPath),
			ByService:     copyCounts(c.requestsByService),
			ByStatusClass: copyCounts(c.requestsByStatus),
		},
		Errors: ErrorCounts{
			Total:  c.errorsTotal,
			ByType: copyCounts(c.errorsByType),
			ByPath: copyCounts(c.errorsByPath),
		},
		Latency: LatencyMetrics{
			Overall:     c.latencyOverall,
			ByPath:      copyMetricData(c.latencyByPath),
			ByService:   copyMetricData(c.latencyByService),
			Percentiles: c.percentiles(),
		},
		CircuitBreakers:   copyStrings(c.breakerStates),
		RateLimitExceeded: copyCounts(c.rateLimitExceeded),
	}
	return snap
}

// percentiles sorts a copy of the sample buffer and indexes
// ceil(n*p)-1. Caller holds the lock.
func (c *Collector) percentiles() Percentiles {
	n := len(c.samples)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]float64, n)
	copy(sorted, c.samples)
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		idx := int(math.Ceil(float64(n)*p)) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return Percentiles{P50: at(0.50), P95: at(0.95), P99: at(0.99)}
}

// WriteText renders a scrape-friendly text exposition of the snapshot.
func (c *Collector) WriteText(w io.Writer) {
	snap := c.Snapshot()
	fmt.Fprintln(w, "# TYPE gateway_requests_total counter")
	fmt.Fprintf(w, "gateway_requests_total %d\n", snap.Requests.Total)
	for _, k := range sortedKeys(snap.Requests.ByService) {
		fmt.Fprintf(w, "gateway_requests_total{service=%q} %d\n", k, snap.Requests.ByService[k])
	}
	for _, k := range sortedKeys(snap.Requests.ByStatusClass) {
		fmt.Fprintf(w, "gateway_requests_total{status=%q} %d\n", k, snap.Requests.ByStatusClass[k])
	}
	fmt.Fprintln(w, "# TYPE gateway_errors_total counter")
	fmt.Fprintf(w, "gateway_errors_total %d\n", snap.Errors.Total)
	for _, k := range sortedKeys(snap.Errors.ByType) {
		fmt.Fprintf(w, "gateway_errors_total{type=%q} %d\n", k, snap.Errors.ByType[k])
	}
	fmt.Fprintln(w, "# TYPE gateway_latency_ms summary")
	fmt.Fprintf(w, "gateway_latency_ms_count %d\n", snap.Latency.Overall.Count)
	fmt.Fprintf(w, "gateway_latency_ms_sum %g\n", snap.Latency.Overall.Sum)
	fmt.Fprintf(w, "gateway_latency_ms{quantile=\"0.5\"} %g\n", snap.Latency.Percentiles.P50)
	fmt.Fprintf(w, "gateway_latency_ms{quantile=\"0.95\"} %g\n", snap.Latency.Percentiles.P95)
	fmt.Fprintf(w, "gateway_latency_ms{quantile=\"0.99\"} %g\n", snap.Latency.Percentiles.P99)
	fmt.Fprintln(w, "# TYPE gateway_rate_limit_exceeded_total counter")
	for _, k := range sortedKeys(snap.RateLimitExceeded) {
		fmt.Fprintf(w, "gateway_rate_limit_exceeded_total{service=%q} %d\n", k, snap.RateLimitExceeded[k])
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMetricData(m map[string]*MetricData) map[string]*MetricData {
	out := make(map[string]*MetricData, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
