package boundary

import (
	"errors"
	"fmt"
	"time"
)

// ErrIsolationActive is the sentinel for calls rejected by an isolated
// boundary with no fallback configured.
var ErrIsolationActive = errors.New("error boundary isolation active")

// ErrExecutionTimeout is the sentinel for boundary-protected calls that
// exceeded their timeout. The underlying call may still complete in the
// background; only the result is discarded.
var ErrExecutionTimeout = errors.New("error boundary execution timeout")

// IsolationError carries the rejection details for an isolated boundary.
type IsolationError struct {
	Target string
	Reason string
	Since  time.Time
}

// Error implements error.
func (e *IsolationError) Error() string {
	return fmt.Sprintf("target %s is isolated since %s: %s",
		e.Target, e.Since.Format(time.RFC3339), e.Reason)
}

// Unwrap lets errors.Is(err, ErrIsolationActive) match.
func (e *IsolationError) Unwrap() error {
	return ErrIsolationActive
}
