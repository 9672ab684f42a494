package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared state store every gateway instance coordinates
// through: circuit-breaker records, rate-limit counters and metrics
// snapshots all live here, never in process memory.
//
// There are no transactional guarantees. Get and Put are independent
// round-trips, so concurrent read-modify-write sequences can race;
// limiter and breaker bookkeeping accept that and stay approximate
// under high concurrency.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Scan(ctx context.Context, prefix string) ([]string, error)
	Del(ctx context.Context, key string) error
}
