package retry

import "time"

// Policy is an immutable retry policy. Callers pick a preset by call
// semantics instead of sharing one policy for everything.
type Policy struct {
	Name              string
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableStatuses map[int]bool
	RetryableErrors   []string
}

func statuses(codes ...int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// FinancialTransaction retries sparingly with longer delays: a doubled
// money movement is worse than a failed one.
var FinancialTransaction = Policy{
	Name:              "financial_transaction",
	MaxRetries:        1,
	InitialDelay:      2 * time.Second,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2,
	RetryableStatuses: statuses(502, 503, 504),
	RetryableErrors:   transportErrorMarkers,
}

// ReadOnly retries aggressively with short delays.
var ReadOnly = Policy{
	Name:              "read_only",
	MaxRetries:        4,
	InitialDelay:      100 * time.Millisecond,
	MaxDelay:          2 * time.Second,
	BackoffMultiplier: 2,
	RetryableStatuses: statuses(500, 502, 503, 504),
	RetryableErrors:   transportErrorMarkers,
}

// Idempotent is the default for safe-to-repeat calls.
var Idempotent = Policy{
	Name:              "idempotent",
	MaxRetries:        3,
	InitialDelay:      200 * time.Millisecond,
	MaxDelay:          3 * time.Second,
	BackoffMultiplier: 2,
	RetryableStatuses: statuses(500, 502, 503, 504),
	RetryableErrors:   transportErrorMarkers,
}

// ExternalAPI is the only preset that opts in to retrying 429, for
// third-party APIs that rate-limit aggressively.
var ExternalAPI = Policy{
	Name:              "external_api",
	MaxRetries:        3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 3,
	RetryableStatuses: statuses(429, 502, 503, 504),
	RetryableErrors:   transportErrorMarkers,
}

// ForMethod picks a preset from HTTP method semantics: reads get the
// read-only policy, writes the idempotent one.
func ForMethod(method string) Policy {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return ReadOnly
	case "PUT", "DELETE":
		return Idempotent
	default:
		return FinancialTransaction
	}
}

// ForName resolves a preset by its configured name, for per-upstream
// policy overrides.
func ForName(name string) (Policy, bool) {
	switch name {
	case FinancialTransaction.Name:
		return FinancialTransaction, true
	case ReadOnly.Name:
		return ReadOnly, true
	case Idempotent.Name:
		return Idempotent, true
	case ExternalAPI.Name:
		return ExternalAPI, true
	}
	return Policy{}, false
}
