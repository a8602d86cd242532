package health

import (
	"context"
	"time"
)

// CheckStatus grades one check result or the aggregate system health.
type CheckStatus string

const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
	StatusCritical  CheckStatus = "critical"
	StatusUnknown   CheckStatus = "unknown"
)

// rank orders statuses from best to worst for aggregation.
func (s CheckStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	case StatusCritical:
		return 4
	default:
		return 1
	}
}

// CheckResult is the tagged result of one health check execution.
type CheckResult struct {
	Status  CheckStatus
	Message string
	Data    map[string]any
}

// CheckFunc runs one health probe. Implementations return an explicit
// CheckResult; use the adapter constructors to lift simpler probe shapes.
type CheckFunc func(ctx context.Context) CheckResult

// FromError adapts an error-returning probe: nil is healthy, non-nil is
// unhealthy with the error message.
func FromError(fn func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}

		return CheckResult{Status: StatusHealthy}
	}
}

// FromBool adapts a boolean probe: true is healthy, false is unhealthy.
func FromBool(fn func(ctx context.Context) bool) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if fn(ctx) {
			return CheckResult{Status: StatusHealthy}
		}

		return CheckResult{Status: StatusUnhealthy}
	}
}

// CheckOptions customize one registered check.
type CheckOptions struct {
	// Critical marks the check as able to drive the aggregate status to
	// critical when it fails.
	Critical bool

	// Timeout bounds each execution of the check. Zero uses the monitor's
	// default.
	Timeout time.Duration
}

// CheckState is the observable state of one registered check.
type CheckState struct {
	Name                string
	Critical            bool
	ConsecutiveFailures int
	TotalChecks         int64
	TotalFailures       int64
	LastResult          CheckResult
	LastRun             time.Time
}

// Alert records a check that crossed the consecutive-failure threshold.
type Alert struct {
	Check     string
	Status    CheckStatus
	Message   string
	Failures  int
	Critical  bool
	Timestamp time.Time
}

// SystemHealth is the cached aggregate snapshot.
type SystemHealth struct {
	Status      CheckStatus
	Checks      map[string]CheckState
	Healthy     int
	Degraded    int
	Unhealthy   int
	Critical    int
	GeneratedAt time.Time
}

// Listener is notified of monitor lifecycle events.
type Listener interface {
	OnAlert(alert Alert)
	OnRecovered(check string, result CheckResult)
	OnMetricUpdated(name string, value float64)
}

// NopListener implements Listener with no-ops, for embedding by observers
// that only care about a subset of events.
type NopListener struct{}

func (NopListener) OnAlert(Alert)                    {}
func (NopListener) OnRecovered(string, CheckResult)  {}
func (NopListener) OnMetricUpdated(string, float64)  {}
