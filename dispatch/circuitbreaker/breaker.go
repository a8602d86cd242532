package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// Breaker wraps calls to a single named target with a closed/open/half-open
// state machine driven by a rolling window of call outcomes.
type Breaker struct {
	target string
	config Config
	logger log.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time
	calls        []call

	totalCalls      int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64
	transitions     int64
	lastTransition  time.Time

	// onStateChange is set by the owning Registry to fan transitions out to
	// registered listeners.
	onStateChange func(target string, from, to State, reason string)

	// now is replaceable in tests to drive cooldown expiry deterministically.
	now func() time.Time
}

// New creates a standalone breaker for the given target. Most callers should
// obtain breakers through a Registry instead.
func New(target string, config Config, logger log.Logger) *Breaker {
	return &Breaker{
		target: target,
		config: config.withDefaults(),
		logger: log.OrNop(logger),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Target returns the name of the protected target.
func (b *Breaker) Target() string {
	return b.target
}

// Execute runs fn through the breaker. It returns an OpenError (matching
// ErrCircuitOpen) when rejecting, ErrCallTimeout when the call exceeds the
// configured timeout, or the underlying failure otherwise.
//
// A timed-out call is not cancelled: the goroutine running fn may complete
// in the background, but its result is discarded.
func (b *Breaker) Execute(ctx context.Context, fn Func) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	start := b.now()
	result, err := b.runWithTimeout(ctx, fn)
	b.afterCall(b.now().Sub(start), err)

	return result, err
}

func (b *Breaker) runWithTimeout(ctx context.Context, fn Func) (any, error) {
	timeout := b.config.CallTimeout
	if timeout <= 0 {
		return fn(ctx)
	}

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("protected call aborted: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("target %s exceeded %v: %w", b.target, timeout, ErrCallTimeout)
	}
}

// beforeCall gates the call on the current state, moving open breakers to
// half-open once the cooldown deadline has passed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	if b.now().Before(b.nextAttempt) {
		b.totalRejections++
		return &OpenError{Target: b.target, NextAttempt: b.nextAttempt}
	}

	b.transitionLocked(StateHalfOpen, "cooldown elapsed")

	return nil
}

func (b *Breaker) afterCall(duration time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := duration >= b.config.SlowCallThreshold
	b.recordCallLocked(call{at: b.now(), success: err == nil, responseTime: duration, slow: slow})

	b.totalCalls++

	if err != nil {
		b.onFailureLocked()
		return
	}

	b.onSuccessLocked()
}

func (b *Breaker) onSuccessLocked() {
	b.totalSuccesses++

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed, "success threshold reached")
		}
	case StateClosed:
		b.failureCount = 0

		// A successful but slow call can still trip the slow-call condition.
		if b.shouldTripLocked() {
			b.transitionLocked(StateOpen, "slow call rate exceeded")
		}
	case StateOpen, StateUnknown:
	}
}

func (b *Breaker) onFailureLocked() {
	b.totalFailures++

	switch b.state {
	case StateHalfOpen:
		// A single failure while probing reopens immediately with a fresh
		// cooldown deadline.
		b.transitionLocked(StateOpen, "failure during half-open probe")
	case StateClosed:
		b.failureCount++

		if reason, trip := b.tripReasonLocked(); trip {
			b.transitionLocked(StateOpen, reason)
		}
	case StateOpen, StateUnknown:
	}
}

// tripReasonLocked evaluates the open conditions in their documented priority
// order: consecutive failure count, then rolling failure rate, then rolling
// slow-call rate. The first matching condition wins.
func (b *Breaker) tripReasonLocked() (string, bool) {
	if b.failureCount >= b.config.FailureThreshold {
		return "failure threshold reached", true
	}

	total, failures, slow := b.windowStatsLocked()

	if total >= b.config.MinimumThroughput &&
		failures >= b.config.FailureThreshold &&
		float64(failures)/float64(total) >= b.config.FailureRateThreshold {
		return "failure rate exceeded", true
	}

	if total >= b.config.MinimumThroughput &&
		float64(slow)/float64(total) >= b.config.SlowCallRateThreshold {
		return "slow call rate exceeded", true
	}

	return "", false
}

func (b *Breaker) shouldTripLocked() bool {
	total, _, slow := b.windowStatsLocked()
	return total >= b.config.MinimumThroughput &&
		float64(slow)/float64(total) >= b.config.SlowCallRateThreshold
}

// recordCallLocked appends an outcome and prunes entries older than the
// monitoring period.
func (b *Breaker) recordCallLocked(entry call) {
	cutoff := b.now().Add(-b.config.MonitoringPeriod)

	pruned := b.calls[:0]
	for _, c := range b.calls {
		if c.at.After(cutoff) {
			pruned = append(pruned, c)
		}
	}

	b.calls = append(pruned, entry)
}

func (b *Breaker) windowStatsLocked() (total, failures, slow int) {
	cutoff := b.now().Add(-b.config.MonitoringPeriod)

	for _, c := range b.calls {
		if !c.at.After(cutoff) {
			continue
		}

		total++

		if !c.success {
			failures++
		}

		if c.slow {
			slow++
		}
	}

	return total, failures, slow
}

func (b *Breaker) windowRatesLocked() (throughput int, failureRate, slowRate float64) {
	total, failures, slow := b.windowStatsLocked()
	if total == 0 {
		return 0, 0, 0
	}

	return total, float64(failures) / float64(total), float64(slow) / float64(total)
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.transitions++
	b.lastTransition = b.now()

	switch to {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.config.Timeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextAttempt = time.Time{}
	case StateUnknown:
	}

	b.logger.Warnf("circuit breaker [%s] state changed: %s -> %s (%s)", b.target, from, to, reason)

	if b.onStateChange != nil {
		// Listener fan-out happens off the breaker's lock path.
		go b.onStateChange(b.target, from, to, reason)
	}
}

// Status returns a point-in-time snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	throughput, failureRate, slowRate := b.windowRatesLocked()

	return Status{
		Target:          b.target,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		NextAttempt:     b.nextAttempt,
		Throughput:      throughput,
		FailureRate:     failureRate,
		SlowCallRate:    slowRate,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		Transitions:     b.transitions,
		LastTransition:  b.lastTransition,
		Healthy:         b.state == StateClosed,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Reset returns the breaker to closed with a cleared window and counters,
// regardless of prior state. Idempotent.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = nil
	b.failureCount = 0
	b.successCount = 0
	b.nextAttempt = time.Time{}

	if b.state != StateClosed {
		b.transitionLocked(StateClosed, "administrative reset")
	}
}

// ForceState moves the breaker to the given state for administrative
// control. Forcing open starts a fresh cooldown deadline.
func (b *Breaker) ForceState(state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(state, "forced: "+reason)
}
