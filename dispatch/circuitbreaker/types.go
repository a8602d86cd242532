package circuitbreaker

import (
	"context"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

// Func is a callable protected by a circuit breaker.
type Func func(ctx context.Context) (any, error)

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	// OnStateChange is called when the breaker named target transitions.
	OnStateChange(target string, from, to State, reason string)
}

// StateChangeListenerFunc adapts a plain function to StateChangeListener.
type StateChangeListenerFunc func(target string, from, to State, reason string)

// OnStateChange implements StateChangeListener.
func (f StateChangeListenerFunc) OnStateChange(target string, from, to State, reason string) {
	f(target, from, to, reason)
}

// call is one entry in a breaker's rolling outcome window.
type call struct {
	at           time.Time
	success      bool
	responseTime time.Duration
	slow         bool
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	Target       string
	State        State
	FailureCount int
	SuccessCount int
	NextAttempt  time.Time

	// Rolling window rates, computed over MonitoringPeriod.
	Throughput   int
	FailureRate  float64
	SlowCallRate float64

	// Cumulative counters since creation or last Reset.
	TotalCalls      int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejections int64
	Transitions     int64
	LastTransition  time.Time

	Healthy bool
}
