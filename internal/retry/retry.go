package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBudgetExhausted wraps the final error once every attempt allowed
// by the policy has failed.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// HTTPStatusError is implemented by errors that carry an upstream HTTP
// status, so policies can classify them by status code.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// transportErrorMarkers is the fixed substring set treated as transient
// transport failures.
var transportErrorMarkers = []string{
	"network",
	"timeout",
	"connection",
	"reset",
	"refused",
	"etimedout",
}

// Operation is one attempt of the wrapped call.
type Operation func(ctx context.Context) error

// WithRetry invokes op up to 1+MaxRetries times, sleeping with
// exponential backoff between retryable failures. Non-retryable errors
// propagate immediately without consuming further attempts.
func WithRetry(ctx context.Context, op Operation, policy Policy) error {
	delay := policy.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			zap.L().Warn("retrying operation",
				zap.String("policy", policy.Name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err, policy) {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, policy.MaxRetries+1, lastErr)
}

// IsRetryable classifies an error against the policy: retryable when it
// carries an HTTP status in RetryableStatuses, or its text matches one
// of the transient transport markers enabled by the policy.
func IsRetryable(err error, policy Policy) bool {
	if err == nil {
		return false
	}
	var se HTTPStatusError
	if errors.As(err, &se) {
		return policy.RetryableStatuses[se.HTTPStatus()]
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range policy.RetryableErrors {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
