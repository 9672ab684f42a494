package gateway

import (
	"errors"
	"fmt"

	"MeshGate/internal/breaker"
	"MeshGate/internal/retry"
)

// UpstreamError is a non-2xx >=500 upstream response (or an opted-in
// 429), raised as an error so the breaker and retry loop can react.
type UpstreamError struct {
	Upstream string
	Status   int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s responded %d", e.Upstream, e.Status)
}

func (e *UpstreamError) HTTPStatus() int { return e.Status }

var _ retry.HTTPStatusError = (*UpstreamError)(nil)

// errorType names an error for the metrics taxonomy.
func errorType(err error) string {
	var ue *UpstreamError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "CircuitOpenError"
	case errors.Is(err, breaker.ErrCircuitProbing):
		return "CircuitProbingError"
	case errors.Is(err, breaker.ErrTimeout):
		return "TimeoutError"
	case errors.As(err, &ue):
		return "UpstreamError"
	default:
		return "TransportError"
	}
}

// errorStatus maps a proxy failure to the response status.
func errorStatus(err error) int {
	var ue *UpstreamError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen), errors.Is(err, breaker.ErrCircuitProbing):
		return 503
	case errors.Is(err, breaker.ErrTimeout):
		return 504
	case errors.As(err, &ue):
		return 502
	default:
		return 502
	}
}
