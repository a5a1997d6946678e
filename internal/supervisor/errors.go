package supervisor

import "errors"

// ErrCircuitOpen is returned by Start while the circuit breaker is open.
// Its text is stable: callers and tests match on it directly.
var ErrCircuitOpen = errors.New("worker circuit breaker is open")

// ErrNotRunning is returned when an operation needs a live child process
// and none exists.
var ErrNotRunning = errors.New("supervisor: worker is not running")

// ErrBreakerNotOpen is returned by ResetBreaker when the circuit breaker
// is not currently tripped.
var ErrBreakerNotOpen = errors.New("supervisor: reset-breaker: circuit breaker is not open")

// ValidationError reports a rejected caller-supplied argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "supervisor: " + e.Field + ": " + e.Message
}
