package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		Name:              "test",
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryableStatuses: statuses(500, 502, 503, 504),
		RetryableErrors:   transportErrorMarkers,
	}
}

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestExhaustsRetryBudget(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("connection refused")
	}, fastPolicy())

	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (1 + 3 retries)", attempts)
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestSucceedsMidway(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &statusErr{status: 503}
		}
		return nil
	}, fastPolicy())

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestNonRetryablePropagatesImmediately(t *testing.T) {
	attempts := 0
	wantErr := &statusErr{status: 400}
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return wantErr
	}, fastPolicy())

	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable error", attempts)
	}
	if !errors.As(err, new(*statusErr)) {
		t.Fatalf("expected the original error back, got %v", err)
	}
	if errors.Is(err, ErrBudgetExhausted) {
		t.Fatal("non-retryable error must not be wrapped as budget exhaustion")
	}
}

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	policy := fastPolicy()
	policy.InitialDelay = 10 * time.Millisecond
	policy.MaxDelay = 25 * time.Millisecond

	var stamps []time.Time
	_ = WithRetry(context.Background(), func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		return &statusErr{status: 503}
	}, policy)

	if len(stamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(stamps))
	}
	// expected inter-attempt delays: 10ms, 20ms, 25ms (capped)
	gaps := []time.Duration{
		stamps[1].Sub(stamps[0]),
		stamps[2].Sub(stamps[1]),
		stamps[3].Sub(stamps[2]),
	}
	if gaps[0] < 10*time.Millisecond {
		t.Errorf("first delay %v, want >= 10ms", gaps[0])
	}
	if gaps[1] < 20*time.Millisecond {
		t.Errorf("second delay %v, want >= 20ms", gaps[1])
	}
	if gaps[2] < 25*time.Millisecond {
		t.Errorf("third delay %v, want >= 25ms (capped)", gaps[2])
	}
	if gaps[2] > 200*time.Millisecond {
		t.Errorf("third delay %v, cap not applied", gaps[2])
	}
}

func TestContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := WithRetry(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("timeout talking to upstream")
	}, fastPolicy())

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 after cancellation", attempts)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	policy := fastPolicy()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable status", &statusErr{status: 502}, true},
		{"terminal status", &statusErr{status: 404}, false},
		{"rate limited not retryable by default", &statusErr{status: 429}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"refused", errors.New("dial tcp: connect: connection refused"), true},
		{"etimedout", errors.New("ETIMEDOUT"), true},
		{"business error", errors.New("insufficient funds"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err, policy); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestForName(t *testing.T) {
	cases := []struct {
		name string
		want string
		ok   bool
	}{
		{"financial_transaction", "financial_transaction", true},
		{"read_only", "read_only", true},
		{"idempotent", "idempotent", true},
		{"external_api", "external_api", true},
		{"no-such-preset", "", false},
	}
	for _, tc := range cases {
		p, ok := ForName(tc.name)
		if ok != tc.ok {
			t.Errorf("ForName(%q) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && p.Name != tc.want {
			t.Errorf("ForName(%q).Name = %q, want %q", tc.name, p.Name, tc.want)
		}
	}
}

func TestExternalAPIRetries429(t *testing.T) {
	if !IsRetryable(&statusErr{status: 429}, ExternalAPI) {
		t.Fatal("external API policy must opt in to retrying 429")
	}
	if IsRetryable(&statusErr{status: 429}, FinancialTransaction) {
		t.Fatal("financial policy must not retry 429")
	}
}
