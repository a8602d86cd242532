package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/lib-dispatch/dispatch/backoff"
	"github.com/taskmesh/lib-dispatch/dispatch/boundary"
	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/health"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// Built-in strategy names.
const (
	StrategyCircuitReset  = "circuit_reset"
	StrategyBoundaryReset = "boundary_reset"
	StrategyEscalate      = "escalate"
)

var (
	// ErrUnknownStrategy is returned when a trigger names an unregistered
	// strategy.
	ErrUnknownStrategy = errors.New("unknown recovery strategy")

	// ErrRecoveryActive is returned when the target already has a
	// non-terminal job.
	ErrRecoveryActive = errors.New("recovery already in progress for target")

	// ErrJobNotFound is returned by Cancel for an unknown job ID.
	ErrJobNotFound = errors.New("recovery job not found")
)

// Config holds recovery manager configuration.
type Config struct {
	// MaxRecoveryAttempts is the per-job attempt budget unless the
	// strategy overrides it.
	MaxRecoveryAttempts int

	// RecoveryInterval is both the background scan period and the base
	// delay between attempts.
	RecoveryInterval time.Duration

	// EscalationThreshold is the attempt count at which a failed job also
	// raises an escalation notification.
	EscalationThreshold int

	// BackoffMultiplier grows the inter-attempt delay.
	BackoffMultiplier float64

	// MaxBackoffDelay caps the inter-attempt delay.
	MaxBackoffDelay time.Duration

	// StrategyTimeout bounds one strategy invocation unless the strategy
	// sets its own.
	StrategyTimeout time.Duration
}

// DefaultConfig provides balanced recovery settings.
func DefaultConfig() Config {
	return Config{
		MaxRecoveryAttempts: 3,
		RecoveryInterval:    30 * time.Second,
		EscalationThreshold: 3,
		BackoffMultiplier:   2,
		MaxBackoffDelay:     5 * time.Minute,
		StrategyTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}

	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = def.RecoveryInterval
	}

	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = def.EscalationThreshold
	}

	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}

	if c.MaxBackoffDelay <= 0 {
		c.MaxBackoffDelay = def.MaxBackoffDelay
	}

	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = def.StrategyTimeout
	}

	return c
}

type strategy struct {
	name string
	fn   StrategyFunc
	opts StrategyOptions
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
}

// Manager runs named recovery strategies against failing targets, either on
// demand or from background scans of the breaker and boundary registries and
// the health monitor. Jobs retry with exponential backoff and escalate after
// repeated failure.
type Manager struct {
	config Config
	logger log.Logger

	breakers   *circuitbreaker.Registry
	boundaries *boundary.Registry
	monitor    *health.Monitor

	mu         sync.Mutex
	strategies map[string]strategy
	jobs       map[string]*jobState
	byTarget   map[string]string
	listeners  []Listener

	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewManager creates a recovery manager. Any of breakers, boundaries, and
// monitor may be nil; the corresponding background scan is skipped.
func NewManager(
	config Config,
	breakers *circuitbreaker.Registry,
	boundaries *boundary.Registry,
	monitor *health.Monitor,
	logger log.Logger,
) *Manager {
	m := &Manager{
		config:     config.withDefaults(),
		logger:     log.OrNop(logger),
		breakers:   breakers,
		boundaries: boundaries,
		monitor:    monitor,
		strategies: make(map[string]strategy),
		jobs:       make(map[string]*jobState),
		byTarget:   make(map[string]string),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}

	m.registerBuiltins()

	return m
}

func (m *Manager) registerBuiltins() {
	m.RegisterStrategy(StrategyCircuitReset, func(ctx context.Context, target string) error {
		if m.breakers == nil {
			return errors.New("no circuit breaker registry wired")
		}

		if _, exists := m.breakers.Get(target); !exists {
			return fmt.Errorf("no circuit breaker for target: %s", target)
		}

		m.breakers.Reset(target)

		return nil
	}, StrategyOptions{})

	m.RegisterStrategy(StrategyBoundaryReset, func(ctx context.Context, target string) error {
		if m.boundaries == nil {
			return errors.New("no error boundary registry wired")
		}

		b, exists := m.boundaries.Get(target)
		if !exists {
			return fmt.Errorf("no error boundary for target: %s", target)
		}

		b.Recover("recovery manager reset")

		return nil
	}, StrategyOptions{})

	// Escalation is a notification, not a repair. The job succeeds once
	// operators have been signalled.
	m.RegisterStrategy(StrategyEscalate, func(ctx context.Context, target string) error {
		m.logger.Errorf("escalating unrecoverable target: %s", target)
		return nil
	}, StrategyOptions{Retries: 1})
}

// RegisterStrategy adds or replaces a named strategy.
func (m *Manager) RegisterStrategy(name string, fn StrategyFunc, opts StrategyOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strategies[name] = strategy{name: name, fn: fn, opts: opts}
}

// RegisterListener registers an observer of job lifecycle events.
func (m *Manager) RegisterListener(listener Listener) {
	if listener == nil {
		m.logger.Warnf("attempted to register a nil recovery listener")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// TriggerRecovery starts an asynchronous recovery job for the target using
// the named strategy and returns the job ID. At most one non-terminal job
// may exist per target.
func (m *Manager) TriggerRecovery(target, strategyName string) (string, error) {
	m.mu.Lock()

	strat, exists := m.strategies[strategyName]
	if !exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyName)
	}

	if jobID, active := m.byTarget[target]; active {
		if state, ok := m.jobs[jobID]; ok && !state.job.Status.terminal() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s (job %s)", ErrRecoveryActive, target, jobID)
		}
	}

	maxAttempts := m.config.MaxRecoveryAttempts
	if strat.opts.Retries > 0 {
		maxAttempts = strat.opts.Retries
	}

	ctx, cancel := context.WithCancel(context.Background())

	state := &jobState{
		job: Job{
			ID:          uuid.New().String(),
			Target:      target,
			Strategy:    strategyName,
			Status:      StatusPending,
			MaxAttempts: maxAttempts,
			CreatedAt:   m.now(),
		},
		cancel: cancel,
	}

	m.jobs[state.job.ID] = state
	m.byTarget[target] = state.job.ID

	m.mu.Unlock()

	m.logger.Infof("recovery triggered for %s via %s (job %s)", target, strategyName, state.job.ID)

	m.wg.Add(1)

	go m.runJob(ctx, state.job.ID, strat)

	return state.job.ID, nil
}

func (m *Manager) runJob(ctx context.Context, jobID string, strat strategy) {
	defer m.wg.Done()

	job, ok := m.transition(jobID, StatusInProgress)
	if !ok {
		return
	}

	m.notify(func(l Listener) { l.OnRecoveryStarted(job) })

	timeout := strat.opts.Timeout
	if timeout <= 0 {
		timeout = m.config.StrategyTimeout
	}

	for {
		job, ok = m.beginAttempt(jobID)
		if !ok {
			return
		}

		err := m.invoke(ctx, strat, job.Target, timeout)

		job, ok = m.finishAttempt(jobID, err)
		if !ok {
			return
		}

		if err == nil {
			m.logger.Infof("recovery succeeded for %s on attempt %d (job %s)", job.Target, job.Attempts, jobID)
			m.notify(func(l Listener) { l.OnRecoveryCompleted(job) })

			return
		}

		m.logger.Warnf("recovery attempt %d/%d failed for %s: %v", job.Attempts, job.MaxAttempts, job.Target, err)

		if job.Attempts >= job.MaxAttempts {
			m.finishJob(jobID, job)
			return
		}

		delay := backoff.Multiplied(
			m.config.RecoveryInterval,
			m.config.BackoffMultiplier,
			job.Attempts-1,
			m.config.MaxBackoffDelay,
		)

		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			m.markCancelled(jobID)
			return
		}
	}
}

func (m *Manager) invoke(ctx context.Context, strat strategy, target string, timeout time.Duration) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("recovery strategy panic: %v", recovered)
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return strat.fn(attemptCtx, target)
}

func (m *Manager) finishJob(jobID string, job Job) {
	final, ok := m.transition(jobID, StatusFailure)
	if !ok {
		final = job
	}

	m.logger.Errorf("recovery failed for %s after %d attempts (job %s)", final.Target, final.Attempts, jobID)
	m.notify(func(l Listener) { l.OnRecoveryFailed(final) })

	if final.Attempts >= m.config.EscalationThreshold {
		m.logger.Errorf("recovery escalated for %s (job %s)", final.Target, jobID)
		m.notify(func(l Listener) { l.OnRecoveryEscalated(final) })
	}
}

// transition moves a non-terminal job to the given status and returns its
// snapshot. Returns false when the job is missing or already terminal.
func (m *Manager) transition(jobID string, status JobStatus) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.jobs[jobID]
	if !exists || state.job.Status.terminal() {
		return Job{}, false
	}

	state.job.Status = status
	if status.terminal() {
		state.job.FinishedAt = m.now()
	}

	return cloneJob(state.job), true
}

func (m *Manager) beginAttempt(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.jobs[jobID]
	if !exists || state.job.Status.terminal() {
		return Job{}, false
	}

	state.job.Attempts++
	state.job.History = append(state.job.History, Attempt{
		Number:    state.job.Attempts,
		StartedAt: m.now(),
	})

	return cloneJob(state.job), true
}

func (m *Manager) finishAttempt(jobID string, err error) (Job, bool) {
	m.mu.Lock()

	state, exists := m.jobs[jobID]
	if !exists || state.job.Status.terminal() {
		m.mu.Unlock()
		return Job{}, false
	}

	last := &state.job.History[len(state.job.History)-1]
	last.Duration = m.now().Sub(last.StartedAt)
	last.Success = err == nil

	if err != nil {
		last.Error = err.Error()
		state.job.LastError = err.Error()
	} else {
		state.job.Status = StatusSuccess
		state.job.FinishedAt = m.now()
	}

	job := cloneJob(state.job)
	m.mu.Unlock()

	return job, true
}

func (m *Manager) markCancelled(jobID string) {
	if job, ok := m.transition(jobID, StatusCancelled); ok {
		m.logger.Infof("recovery cancelled for %s (job %s)", job.Target, jobID)
	}
}

// Cancel aborts a non-terminal job. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()

	state, exists := m.jobs[jobID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	cancel := state.cancel
	terminal := state.job.Status.terminal()

	if !terminal {
		state.job.Status = StatusCancelled
		state.job.FinishedAt = m.now()
	}

	m.mu.Unlock()

	if !terminal && cancel != nil {
		cancel()
	}

	return nil
}

// Job returns a snapshot of the job with the given ID.
func (m *Manager) Job(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.jobs[jobID]
	if !exists {
		return Job{}, false
	}

	return cloneJob(state.job), true
}

// Status returns the most recent job for the target.
func (m *Manager) Status(target string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, exists := m.byTarget[target]
	if !exists {
		return Job{}, false
	}

	state, exists := m.jobs[jobID]
	if !exists {
		return Job{}, false
	}

	return cloneJob(state.job), true
}

// Jobs returns snapshots of every known job.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, state := range m.jobs {
		out = append(out, cloneJob(state.job))
	}

	return out
}

// hasActiveJob reports whether the target has a non-terminal job.
func (m *Manager) hasActiveJob(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID, exists := m.byTarget[target]
	if !exists {
		return false
	}

	state, exists := m.jobs[jobID]

	return exists && !state.job.Status.terminal()
}

// Start begins the background scan loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)

		go m.loop()

		m.logger.Infof("recovery manager started - scanning every %v", m.config.RecoveryInterval)
	})
}

// Stop halts the scan loop and waits for in-flight jobs to settle their
// current attempt.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	m.cancelAll()
	m.wg.Wait()
	m.logger.Info("recovery manager stopped")
}

func (m *Manager) cancelAll() {
	m.mu.Lock()

	cancels := make([]context.CancelFunc, 0, len(m.jobs))

	for _, state := range m.jobs {
		if !state.job.Status.terminal() && state.cancel != nil {
			cancels = append(cancels, state.cancel)
		}
	}

	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Scan()
		case <-m.stopChan:
			return
		}
	}
}

// Scan inspects the breaker and boundary registries and the health monitor,
// triggering the matching built-in strategy for each failing target without
// an active job.
func (m *Manager) Scan() {
	if m.breakers != nil {
		for target, status := range m.breakers.Statuses() {
			if status.State != circuitbreaker.StateOpen || m.hasActiveJob(target) {
				continue
			}

			if _, err := m.TriggerRecovery(target, StrategyCircuitReset); err != nil {
				m.logger.Warnf("failed to trigger circuit recovery for %s: %v", target, err)
			}
		}
	}

	if m.boundaries != nil {
		for target, status := range m.boundaries.Statuses() {
			if !status.Isolated || m.hasActiveJob(target) {
				continue
			}

			if _, err := m.TriggerRecovery(target, StrategyBoundaryReset); err != nil {
				m.logger.Warnf("failed to trigger boundary recovery for %s: %v", target, err)
			}
		}
	}

	m.scanHealth()
}

func (m *Manager) scanHealth() {
	if m.monitor == nil {
		return
	}

	snapshot := m.monitor.SystemHealth(false)
	if snapshot.Status != health.StatusCritical {
		return
	}

	for name, state := range snapshot.Checks {
		status := state.LastResult.Status
		if status != health.StatusCritical && !(state.Critical && status == health.StatusUnhealthy) {
			continue
		}

		if m.hasActiveJob(name) {
			continue
		}

		if _, err := m.TriggerRecovery(name, StrategyEscalate); err != nil {
			m.logger.Warnf("failed to trigger escalation for %s: %v", name, err)
		}
	}
}

func (m *Manager) notify(fn func(Listener)) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					m.logger.Errorf("recovery listener panic: %v", recovered)
				}
			}()

			fn(l)
		}()
	}
}

func cloneJob(job Job) Job {
	out := job
	out.History = make([]Attempt, len(job.History))
	copy(out.History, job.History)

	return out
}
