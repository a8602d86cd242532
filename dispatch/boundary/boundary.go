package boundary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/backoff"
	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// retryJitterFraction is the maximum proportional jitter added to a
// backed-off retry delay.
const retryJitterFraction = 0.1

// Boundary wraps execution of callables against one named target with
// retry/backoff, error classification, and isolation. When configured it
// delegates the protected call to a circuit breaker.
type Boundary struct {
	target  string
	config  Config
	breaker *circuitbreaker.Breaker
	logger  log.Logger

	mu             sync.Mutex
	isolated       bool
	isolationStart time.Time
	isolationTimer *time.Timer
	errorWindow    []ErrorRecord
	recentResults  []execResult
	stats          Stats
	lastError      *ErrorRecord

	// onEvent is set by the owning Registry to fan lifecycle events out to
	// registered listeners.
	onEvent Listener

	now func() time.Time
}

type execResult struct {
	at      time.Time
	success bool
}

// execOptions are the per-call knobs of Execute.
type execOptions struct {
	fallback   Func
	retries    int
	hasRetries bool
	timeout    time.Duration
}

// ExecOption customizes a single Execute call.
type ExecOption func(*execOptions)

// WithFallback supplies a fallback run when the boundary is isolated or all
// attempts are exhausted.
func WithFallback(fn Func) ExecOption {
	return func(o *execOptions) { o.fallback = fn }
}

// WithRetries overrides the configured retry budget for this call.
func WithRetries(retries int) ExecOption {
	return func(o *execOptions) {
		o.retries = retries
		o.hasRetries = true
	}
}

// WithTimeout overrides the configured per-attempt timeout for this call.
func WithTimeout(timeout time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = timeout }
}

// New creates a standalone boundary for the given target. Most callers
// should obtain boundaries through a Registry instead.
func New(target string, config Config, breaker *circuitbreaker.Breaker, logger log.Logger) *Boundary {
	return &Boundary{
		target:  target,
		config:  config.withDefaults(),
		breaker: breaker,
		logger:  log.OrNop(logger),
		now:     time.Now,
	}
}

// Target returns the name of the protected target.
func (b *Boundary) Target() string {
	return b.target
}

// Execute runs fn under the boundary's protections. While isolated it either
// runs the fallback or fails fast with an IsolationError. Otherwise it
// retries retryable failures with exponential backoff and jitter, delegating
// each attempt to the circuit breaker when enabled, and falls back or
// returns the last error once attempts are exhausted.
func (b *Boundary) Execute(ctx context.Context, fn Func, opts ...ExecOption) (any, error) {
	options := execOptions{
		retries: b.config.MaxRetries,
		timeout: b.config.Timeout,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if !options.hasRetries {
		options.retries = b.config.MaxRetries
	}

	if status := b.isolationStatus(); status != nil {
		b.countIsolatedRejection()

		if options.fallback != nil {
			return b.runFallback(ctx, options)
		}

		return nil, status
	}

	var lastErr error

	retried := false

	for attempt := 0; attempt <= options.retries; attempt++ {
		result, err := b.attempt(ctx, fn, options.timeout)
		if err == nil {
			b.recordSuccess(retried)
			return result, nil
		}

		lastErr = err
		class := b.recordFailure(err)

		strategy := selectStrategy(class, options.retries-attempt)

		switch strategy {
		case StrategyIsolate:
			b.Isolate(fmt.Sprintf("critical %s error: %v", class.Category, err), b.config.IsolationDuration)
		case StrategyCircuitBreak:
			b.tripBreaker(class)
		case StrategyRetry:
			if attempt < options.retries {
				retried = true

				delay := backoff.Multiplied(b.config.RetryDelay, 2, attempt, b.config.MaxRetryDelay)
				delay = backoff.Jitter(delay, retryJitterFraction)

				b.logger.Debugf("boundary [%s] retrying after %v (attempt %d/%d): %v",
					b.target, delay, attempt+1, options.retries, err)

				if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
					return nil, sleepErr
				}

				continue
			}
		case StrategyFallback:
		}

		break
	}

	b.countTerminalFailure(retried)

	if options.fallback != nil {
		return b.runFallback(ctx, options)
	}

	return nil, lastErr
}

// attempt executes a single protected call under the boundary timeout,
// delegating to the circuit breaker when one is attached. A timed-out call
// is not cancelled; its eventual result is discarded.
func (b *Boundary) attempt(ctx context.Context, fn Func, timeout time.Duration) (any, error) {
	protected := fn
	if b.breaker != nil {
		protected = func(c context.Context) (any, error) {
			return b.breaker.Execute(c, circuitbreaker.Func(fn))
		}
	}

	if timeout <= 0 {
		return protected(ctx)
	}

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := protected(ctx)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("boundary call aborted: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("target %s exceeded %v: %w", b.target, timeout, ErrExecutionTimeout)
	}
}

func (b *Boundary) runFallback(ctx context.Context, options execOptions) (any, error) {
	result, err := options.fallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("fallback for target %s failed: %w", b.target, err)
	}

	b.mu.Lock()
	b.stats.FallbackExecutions++
	b.mu.Unlock()

	if b.onEvent != nil {
		b.onEvent.OnFallbackExecuted(b.target)
	}

	return result, nil
}

// tripBreaker forces the delegated breaker open so subsequent calls fast-fail
// until the recovery manager or the cooldown repairs the target.
func (b *Boundary) tripBreaker(class Classification) {
	if b.breaker == nil {
		return
	}

	if b.breaker.State() != circuitbreaker.StateOpen {
		b.breaker.ForceState(circuitbreaker.StateOpen,
			fmt.Sprintf("boundary %s: non-recoverable %s error", b.target, class.Category))
	}
}

func (b *Boundary) recordSuccess(retried bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalExecutions++
	b.stats.SuccessfulExecutions++

	if retried {
		b.stats.RetriedExecutions++
	}

	b.recordResultLocked(true)
}

// recordFailure classifies err, appends it to the bounded error window, and
// notifies observers.
func (b *Boundary) recordFailure(err error) Classification {
	class := Classify(err)

	record := ErrorRecord{
		Message:   err.Error(),
		Category:  class.Category,
		Severity:  class.Severity,
		Retryable: class.Retryable,
		Timestamp: b.now(),
	}

	b.mu.Lock()
	b.errorWindow = append(b.pruneErrorsLocked(), record)
	b.lastError = &record
	b.recordResultLocked(false)
	b.mu.Unlock()

	if b.onEvent != nil {
		b.onEvent.OnErrorCaught(b.target, record)
	}

	return class
}

func (b *Boundary) countTerminalFailure(retried bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalExecutions++
	b.stats.FailedExecutions++

	if retried {
		b.stats.RetriedExecutions++
	}
}

func (b *Boundary) countIsolatedRejection() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.IsolatedRejections++
}

func (b *Boundary) recordResultLocked(success bool) {
	cutoff := b.now().Add(-b.config.ErrorWindow)

	pruned := b.recentResults[:0]
	for _, r := range b.recentResults {
		if r.at.After(cutoff) {
			pruned = append(pruned, r)
		}
	}

	b.recentResults = append(pruned, execResult{at: b.now(), success: success})
}

func (b *Boundary) pruneErrorsLocked() []ErrorRecord {
	cutoff := b.now().Add(-b.config.ErrorWindow)

	pruned := b.errorWindow[:0]
	for _, record := range b.errorWindow {
		if record.Timestamp.After(cutoff) {
			pruned = append(pruned, record)
		}
	}

	return pruned
}

// isolationStatus returns the rejection error when isolated, nil otherwise.
func (b *Boundary) isolationStatus() *IsolationError {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isolated {
		return nil
	}

	return &IsolationError{
		Target: b.target,
		Reason: "isolation active",
		Since:  b.isolationStart,
	}
}

// Isolate puts the boundary into isolation for the given duration, after
// which it recovers automatically. A non-positive duration uses the
// configured default, so isolation always has a bounded expiry.
func (b *Boundary) Isolate(reason string, duration time.Duration) {
	if duration <= 0 {
		duration = b.config.IsolationDuration
	}

	b.mu.Lock()

	if b.isolationTimer != nil {
		b.isolationTimer.Stop()
	}

	alreadyIsolated := b.isolated
	b.isolated = true

	if !alreadyIsolated {
		b.isolationStart = b.now()
	}

	b.isolationTimer = time.AfterFunc(duration, func() {
		b.Recover("isolation expired")
	})

	b.mu.Unlock()

	b.logger.Warnf("boundary [%s] isolated for %v: %s", b.target, duration, reason)

	if !alreadyIsolated && b.onEvent != nil {
		b.onEvent.OnIsolationStarted(b.target, reason, duration)
	}
}

// Recover ends isolation. Safe to call when not isolated, and invocable
// externally (e.g. by the recovery manager).
func (b *Boundary) Recover(reason string) {
	b.mu.Lock()

	if !b.isolated {
		b.mu.Unlock()
		return
	}

	b.isolated = false

	if b.isolationTimer != nil {
		b.isolationTimer.Stop()
		b.isolationTimer = nil
	}

	b.mu.Unlock()

	b.logger.Infof("boundary [%s] recovered: %s", b.target, reason)

	if b.onEvent != nil {
		b.onEvent.OnIsolationEnded(b.target, reason)
	}
}

// Reset clears isolation, the error window, and all counters. Idempotent.
func (b *Boundary) Reset() {
	b.Recover("administrative reset")

	b.mu.Lock()
	defer b.mu.Unlock()

	b.errorWindow = nil
	b.recentResults = nil
	b.stats = Stats{}
	b.lastError = nil
}

// Status returns a point-in-time snapshot of the boundary.
func (b *Boundary) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	errorRate, recentErrors := b.windowHealthLocked()

	return Status{
		Target:         b.target,
		Isolated:       b.isolated,
		IsolationStart: b.isolationStart,
		Health:         b.healthLocked(errorRate, recentErrors),
		ErrorRate:      errorRate,
		RecentErrors:   recentErrors,
		Stats:          b.stats,
		LastError:      b.lastError,
	}
}

// IsIsolated reports whether the boundary currently refuses calls.
func (b *Boundary) IsIsolated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.isolated
}

// Health derives the boundary's health state: isolated wins, then error rate
// above 50% or recent errors beyond the threshold are unhealthy, above half
// the threshold is degraded.
func (b *Boundary) Health() HealthState {
	status := b.Status()
	return status.Health
}

func (b *Boundary) healthLocked(errorRate float64, recentErrors int) HealthState {
	if b.isolated {
		return HealthIsolated
	}

	threshold := b.config.MaxConcurrentErrors

	switch {
	case errorRate > 0.5 || recentErrors > threshold:
		return HealthUnhealthy
	case recentErrors > threshold/2:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (b *Boundary) windowHealthLocked() (errorRate float64, recentErrors int) {
	cutoff := b.now().Add(-b.config.ErrorWindow)

	var total, failures int

	for _, r := range b.recentResults {
		if !r.at.After(cutoff) {
			continue
		}

		total++

		if !r.success {
			failures++
		}
	}

	for _, record := range b.errorWindow {
		if record.Timestamp.After(cutoff) {
			recentErrors++
		}
	}

	if total == 0 {
		return 0, recentErrors
	}

	return float64(failures) / float64(total), recentErrors
}
