package recovery

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a recovery job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusSuccess    JobStatus = "success"
	StatusFailure    JobStatus = "failure"
	StatusCancelled  JobStatus = "cancelled"
)

// terminal reports whether a job in this status can never change again.
func (s JobStatus) terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// StrategyFunc is a named repair action invoked against a target.
type StrategyFunc func(ctx context.Context, target string) error

// StrategyOptions tune one registered strategy.
type StrategyOptions struct {
	// Timeout bounds a single strategy invocation. Zero uses the manager
	// default.
	Timeout time.Duration

	// Retries overrides the manager-wide attempt budget when positive.
	Retries int
}

// Attempt records one strategy invocation within a job.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Error     string
	Success   bool
}

// Job is a snapshot of one recovery run against a target.
type Job struct {
	ID          string
	Target      string
	Strategy    string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	History     []Attempt
	CreatedAt   time.Time
	FinishedAt  time.Time
	LastError   string
}

// Listener is notified of recovery job lifecycle events.
type Listener interface {
	OnRecoveryStarted(job Job)
	OnRecoveryCompleted(job Job)
	OnRecoveryFailed(job Job)
	OnRecoveryEscalated(job Job)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnRecoveryStarted(Job)   {}
func (NopListener) OnRecoveryCompleted(Job) {}
func (NopListener) OnRecoveryFailed(Job)    {}
func (NopListener) OnRecoveryEscalated(Job) {}
