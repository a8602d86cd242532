package boundary

import (
	"context"
	"time"
)

// Func is a callable protected by an error boundary.
type Func func(ctx context.Context) (any, error)

// ErrorRecord is one classified failure in a boundary's bounded error window.
type ErrorRecord struct {
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
	Timestamp time.Time
}

// Stats are the cumulative execution counters of one boundary.
type Stats struct {
	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	RetriedExecutions    int64
	FallbackExecutions   int64
	IsolatedRejections   int64
}

// HealthState summarizes a boundary's condition for observers.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthIsolated  HealthState = "isolated"
)

// Status is a point-in-time snapshot of one boundary.
type Status struct {
	Target         string
	Isolated       bool
	IsolationStart time.Time
	Health         HealthState
	ErrorRate      float64
	RecentErrors   int
	Stats          Stats
	LastError      *ErrorRecord
}

// Listener is notified of boundary lifecycle events.
type Listener interface {
	OnErrorCaught(target string, record ErrorRecord)
	OnIsolationStarted(target, reason string, duration time.Duration)
	OnIsolationEnded(target, reason string)
	OnFallbackExecuted(target string)
}

// NopListener implements Listener with no-ops, for embedding by observers
// that only care about a subset of events.
type NopListener struct{}

func (NopListener) OnErrorCaught(string, ErrorRecord)                  {}
func (NopListener) OnIsolationStarted(string, string, time.Duration)   {}
func (NopListener) OnIsolationEnded(string, string)                    {}
func (NopListener) OnFallbackExecuted(string)                          {}
