package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	monitors   = map[string]*Monitor{}
	monitorsMu sync.RWMutex

	avgTimeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshgate_monitor_avg_time_ms",
		Help: "Average processing time in milliseconds for monitor",
	}, []string{"monitor"})

	successRateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshgate_monitor_success_rate",
		Help: "Success rate (0..1) for monitor",
	}, []string{"monitor"})

	countGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshgate_monitor_count",
		Help: "Number of samples in sliding window for monitor",
	}, []string{"monitor"})
)

func init() {
	prometheus.MustRegister(avgTimeGauge)
	prometheus.MustRegister(successRateGauge)
	prometheus.MustRegister(countGauge)
}

func registerMonitor(m *Monitor) {
	if m == nil {
		return
	}
	monitorsMu.Lock()
	defer monitorsMu.Unlock()
	monitors[m.name] = m
}

// CollectMetrics samples all registered monitors into the gauges.
func CollectMetrics() {
	monitorsMu.RLock()
	defer monitorsMu.RUnlock()
	for name, m := range monitors {
		avg, succ, cnt := m.GetStats()
		avgTimeGauge.WithLabelValues(name).Set(avg)
		successRateGauge.WithLabelValues(name).Set(succ)
		countGauge.WithLabelValues(name).Set(float64(cnt))
	}
}

// StartSampler refreshes the gauges on an interval until ctx is done.
func StartSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				CollectMetrics()
			}
		}
	}()
}

// Handler returns the prometheus scrape handler, for mounting into the
// gin engine.
func Handler() http.Handler {
	return promhttp.Handler()
}
