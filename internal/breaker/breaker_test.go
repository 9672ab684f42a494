package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"MeshGate/internal/store"
)

var errUpstream = errors.New("upstream blew up")

func testBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	st := store.NewMemoryStore()
	b := New("credit-bureau", "test", Settings{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 3,
		Timeout:          time.Second,
	}, st)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errUpstream
		})
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(t)

	failN(b, 2)
	if s := b.Snapshot(context.Background()); s.State != StateClosed {
		t.Fatalf("state = %s before threshold, want CLOSED", s.State)
	}

	failN(b, 1)
	if s := b.Snapshot(context.Background()); s.State != StateOpen {
		t.Fatalf("state = %s after 3 failures, want OPEN", s.State)
	}
}

func TestOpenFailsFastWithoutInvoking(t *testing.T) {
	b, now := testBreaker(t)
	failN(b, 3)

	*now = now.Add(10 * time.Second) // still inside the reset timeout
	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("operation must not run while OPEN")
	}
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(t)
	failN(b, 3)

	*now = now.Add(31 * time.Second)
	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if !invoked {
		t.Fatal("probe call must be admitted after resetTimeout")
	}
	if s := b.Snapshot(context.Background()); s.State != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", s.State)
	}
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	b, now := testBreaker(t)
	failN(b, 3)
	*now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}

	s := b.Snapshot(context.Background())
	if s.State != StateClosed {
		t.Fatalf("state = %s after 3 probe successes, want CLOSED", s.State)
	}
	if s.Failures != 0 {
		t.Fatalf("failures = %d, want 0 after recovery", s.Failures)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(t)
	failN(b, 3)
	*now = now.Add(31 * time.Second)

	failN(b, 1)
	if s := b.Snapshot(context.Background()); s.State != StateOpen {
		t.Fatalf("state = %s after failed probe, want OPEN", s.State)
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	b, now := testBreaker(t)
	failN(b, 3)
	*now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	}
	// circuit is CLOSED again; force back to HALF_OPEN at the cap to
	// exercise the probing rejection
	failN(b, 3)
	*now = now.Add(31 * time.Second)
	b.save(context.Background(), record{State: StateHalfOpen, RequestCount: 3})

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitProbing) {
		t.Fatalf("expected ErrCircuitProbing at probe cap, got %v", err)
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	st := store.NewMemoryStore()
	b := New("slow-upstream", "test", Settings{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 1,
		Timeout:          20 * time.Millisecond,
	}, st)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s := b.Snapshot(context.Background()); s.State != StateOpen {
		t.Fatalf("state = %s after timeout with threshold 1, want OPEN", s.State)
	}
}
