package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is the sentinel for calls rejected by an open breaker.
// Callers can match it with errors.Is to distinguish rejection from an
// underlying failure.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrCallTimeout is the sentinel for protected calls that exceeded their
// timeout. The underlying call may still complete in the background; only
// the result is discarded.
var ErrCallTimeout = errors.New("circuit breaker call timeout")

// OpenError carries the rejection details for an open breaker.
type OpenError struct {
	Target      string
	NextAttempt time.Time
}

// Error implements error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("target %s is currently unavailable (circuit breaker open, next attempt at %s)",
		e.Target, e.NextAttempt.Format(time.RFC3339))
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}
