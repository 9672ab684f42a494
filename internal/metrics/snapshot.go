package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MeshGate/internal/store"

	"go.uber.org/zap"
)

const snapshotPrefix = "metrics:snapshot:"

// Publisher periodically persists this instance's snapshot to the
// shared store under a time-bucketed key, and merges recent snapshots
// from the whole fleet on demand.
type Publisher struct {
	collector *Collector
	store     store.Store
	interval  time.Duration
	retention time.Duration
}

func NewPublisher(c *Collector, st store.Store, interval, retention time.Duration) *Publisher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Publisher{collector: c, store: st, interval: interval, retention: retention}
}

// Run publishes until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Publish(ctx); err != nil {
					zap.L().Warn("failed to publish metrics snapshot", zap.Error(err))
				}
			}
		}
	}()
}

// Publish writes the current snapshot under a key bucketed by publish
// interval, TTL-bounded by retention.
func (p *Publisher) Publish(ctx context.Context) error {
	snap := p.collector.Snapshot()
	bucket := snap.GeneratedAt.Unix() / int64(p.interval.Seconds())
	key := fmt.Sprintf("%s%s:%d", snapshotPrefix, p.collector.instance, bucket)
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.store.Put(ctx, key, string(data), p.retention)
}

// Retention is how long published snapshots stay readable in the
// store.
func (p *Publisher) Retention() time.Duration { return p.retention }

// Aggregate merges the fleet's snapshots newer than cutoff into one
// view. Snapshots are cumulative, so only the newest one per instance
// counts; merging two buckets of the same instance would double its
// totals. Counts and latency aggregates merge exactly; percentiles do
// not merge from pre-aggregated summaries, so the result keeps the
// local collector's percentiles only.
func (p *Publisher) Aggregate(ctx context.Context, cutoff time.Time) (ServiceMetrics, error) {
	local := p.collector.Snapshot()
	merged := local
	merged.Instance = "fleet"

	keys, err := p.store.Scan(ctx, snapshotPrefix)
	if err != nil {
		return merged, err
	}

	newest := make(map[string]ServiceMetrics)
	for _, key := range keys {
		data, err := p.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap ServiceMetrics
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			zap.L().Warn("skipping unreadable metrics snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		if snap.Instance == local.Instance || snap.GeneratedAt.Before(cutoff) {
			continue
		}
		if prev, ok := newest[snap.Instance]; !ok || snap.GeneratedAt.After(prev.GeneratedAt) {
			newest[snap.Instance] = snap
		}
	}
	for _, snap := range newest {
		mergeInto(&merged, snap)
	}
	return merged, nil
}

func mergeInto(dst *ServiceMetrics, src ServiceMetrics) {
	dst.Requests.Total += src.Requests.Total
	addCounts(dst.Requests.ByPath, src.Requests.ByPath)
	addCounts(dst.Requests.ByService, src.Requests.ByService)
	addCounts(dst.Requests.ByStatusClass, src.Requests.ByStatusClass)

	dst.Errors.Total += src.Errors.Total
	addCounts(dst.Errors.ByType, src.Errors.ByType)
	addCounts(dst.Errors.ByPath, src.Errors.ByPath)

	dst.Latency.Overall.merge(src.Latency.Overall)
	mergeMetricData(dst.Latency.ByPath, src.Latency.ByPath)
	mergeMetricData(dst.Latency.ByService, src.Latency.ByService)

	addCounts(dst.RateLimitExceeded, src.RateLimitExceeded)
	for k, v := range src.CircuitBreakers {
		if _, ok := dst.CircuitBreakers[k]; !ok {
			dst.CircuitBreakers[k] = v
		}
	}
}

func addCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}

func mergeMetricData(dst map[string]*MetricData, src map[string]*MetricData) {
	for k, v := range src {
		md := dst[k]
		if md == nil {
			md = &MetricData{}
			dst[k] = md
		}
		md.merge(*v)
	}
}
