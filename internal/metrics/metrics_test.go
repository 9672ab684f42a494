package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"MeshGate/internal/store"
)

func TestLatencyAggregates(t *testing.T) {
	c := NewCollector("test-1", 100)

	durations := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		60 * time.Millisecond,
	}
	for _, d := range durations {
		c.RecordResponse("/mesh/payments/charge", "payments", 200, d)
	}

	snap := c.Snapshot()
	overall := snap.Latency.Overall
	if overall.Count != 3 {
		t.Fatalf("count = %d, want 3", overall.Count)
	}
	if overall.Sum != 90 {
		t.Errorf("sum = %g, want 90", overall.Sum)
	}
	if overall.Avg != 30 {
		t.Errorf("avg = %g, want exactly sum/count = 30", overall.Avg)
	}
	if overall.Min != 10 || overall.Max != 60 {
		t.Errorf("min/max = %g/%g, want 10/60", overall.Min, overall.Max)
	}
	if got := snap.Latency.ByService["payments"].Count; got != 3 {
		t.Errorf("byService count = %d, want 3", got)
	}
}

func TestRequestAndErrorCounters(t *testing.T) {
	c := NewCollector("test-1", 100)

	c.RecordRequest("/mesh/payments/charge", "payments")
	c.RecordRequest("/mesh/credit-bureau/score", "credit-bureau")
	c.RecordResponse("/mesh/payments/charge", "payments", 200, time.Millisecond)
	c.RecordResponse("/mesh/credit-bureau/score", "credit-bureau", 502, time.Millisecond)
	c.RecordError("/mesh/credit-bureau/score", "CircuitOpenError", time.Millisecond)
	c.RecordRateLimitExceeded("payments")

	snap := c.Snapshot()
	if snap.Requests.Total != 2 {
		t.Errorf("requests total = %d, want 2", snap.Requests.Total)
	}
	if snap.Requests.ByService["payments"] != 1 || snap.Requests.ByService["credit-bureau"] != 1 {
		t.Errorf("byService = %v, want one request per upstream", snap.Requests.ByService)
	}
	if snap.Requests.ByStatusClass["2xx"] != 1 || snap.Requests.ByStatusClass["5xx"] != 1 {
		t.Errorf("status classes = %v", snap.Requests.ByStatusClass)
	}
	if snap.Errors.ByType["CircuitOpenError"] != 1 {
		t.Errorf("errors byType = %v", snap.Errors.ByType)
	}
	if snap.RateLimitExceeded["payments"] != 1 {
		t.Errorf("rateLimitExceeded = %v", snap.RateLimitExceeded)
	}
}

func TestPercentilesFromSampleBuffer(t *testing.T) {
	c := NewCollector("test-1", 1000)
	for i := 1; i <= 100; i++ {
		c.RecordResponse("/p", "s", 200, time.Duration(i)*time.Millisecond)
	}

	p := c.Snapshot().Latency.Percentiles
	if p.P50 != 50 {
		t.Errorf("p50 = %g, want 50", p.P50)
	}
	if p.P95 != 95 {
		t.Errorf("p95 = %g, want 95", p.P95)
	}
	if p.P99 != 99 {
		t.Errorf("p99 = %g, want 99", p.P99)
	}
}

func TestSampleBufferEvictsOldest(t *testing.T) {
	c := NewCollector("test-1", 10)
	for i := 0; i < 20; i++ {
		c.RecordResponse("/p", "s", 200, 5*time.Millisecond)
	}
	c.mu.Lock()
	n := len(c.samples)
	c.mu.Unlock()
	if n != 10 {
		t.Fatalf("sample buffer length = %d, want bounded at 10", n)
	}
}

func TestWriteText(t *testing.T) {
	c := NewCollector("test-1", 100)
	c.RecordRequest("/mesh/payments/charge", "payments")
	c.RecordResponse("/mesh/payments/charge", "payments", 200, 15*time.Millisecond)

	var sb strings.Builder
	c.WriteText(&sb)
	out := sb.String()

	for _, want := range []string{
		"gateway_requests_total 1",
		`gateway_requests_total{status="2xx"} 1`,
		"gateway_latency_ms_count 1",
		"gateway_latency_ms_sum 15",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text exposition missing %q\n%s", want, out)
		}
	}
}

func TestFleetAggregationUsesNewestSnapshotPerInstance(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// cumulative totals published into two distinct buckets must not be
	// summed twice
	remote := NewCollector("instance-b", 100)
	remote.RecordRequest("/mesh/payments/charge", "payments")
	remote.RecordResponse("/mesh/payments/charge", "payments", 200, 40*time.Millisecond)
	remotePub := NewPublisher(remote, st, time.Second, 5*time.Minute)
	if err := remotePub.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := remotePub.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if keys, _ := st.Scan(ctx, snapshotPrefix); len(keys) != 2 {
		t.Fatalf("snapshot keys = %d, want the instance in two buckets", len(keys))
	}

	local := NewCollector("instance-a", 100)
	local.RecordRequest("/mesh/payments/charge", "payments")
	localPub := NewPublisher(local, st, time.Second, 5*time.Minute)

	merged, err := localPub.Aggregate(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if merged.Requests.Total != 2 {
		t.Fatalf("merged total = %d, want 2: instance-b served exactly one request", merged.Requests.Total)
	}
	if merged.Latency.Overall.Count != 1 {
		t.Errorf("merged latency count = %d, want 1", merged.Latency.Overall.Count)
	}
}

func TestFleetAggregation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	remote := NewCollector("instance-b", 100)
	remote.RecordRequest("/mesh/payments/charge", "payments")
	remote.RecordResponse("/mesh/payments/charge", "payments", 200, 40*time.Millisecond)
	remotePub := NewPublisher(remote, st, 30*time.Second, 5*time.Minute)
	if err := remotePub.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	local := NewCollector("instance-a", 100)
	local.RecordRequest("/mesh/payments/charge", "payments")
	local.RecordResponse("/mesh/payments/charge", "payments", 200, 20*time.Millisecond)
	localPub := NewPublisher(local, st, 30*time.Second, 5*time.Minute)

	merged, err := localPub.Aggregate(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if merged.Requests.Total != 2 {
		t.Errorf("merged total = %d, want 2", merged.Requests.Total)
	}
	if merged.Latency.Overall.Count != 2 {
		t.Errorf("merged latency count = %d, want 2", merged.Latency.Overall.Count)
	}
	if merged.Latency.Overall.Sum != 60 {
		t.Errorf("merged latency sum = %g, want 60", merged.Latency.Overall.Sum)
	}
	if merged.Latency.Overall.Min != 20 || merged.Latency.Overall.Max != 40 {
		t.Errorf("merged min/max = %g/%g, want 20/40", merged.Latency.Overall.Min, merged.Latency.Overall.Max)
	}
}
