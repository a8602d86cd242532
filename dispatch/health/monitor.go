package health

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/log"
	"github.com/taskmesh/lib-dispatch/dispatch/otelmetric"
)

// Config holds monitor configuration.
type Config struct {
	// CheckInterval is how often registered checks run.
	CheckInterval time.Duration

	// CheckTimeout bounds each check execution unless overridden per check.
	CheckTimeout time.Duration

	// AlertThreshold is the consecutive-failure count that raises an alert.
	AlertThreshold int

	// CacheTTL bounds how stale a cached system-health snapshot may be.
	CacheTTL time.Duration

	// RetentionPeriod bounds the metric sample window.
	RetentionPeriod time.Duration

	// MaxAlerts caps the alert history; the oldest entries are pruned.
	MaxAlerts int
}

// DefaultConfig provides balanced monitor settings.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   30 * time.Second,
		CheckTimeout:    10 * time.Second,
		AlertThreshold:  3,
		CacheTTL:        5 * time.Second,
		RetentionPeriod: time.Hour,
		MaxAlerts:       100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}

	if c.CheckTimeout <= 0 {
		c.CheckTimeout = def.CheckTimeout
	}

	if c.AlertThreshold <= 0 {
		c.AlertThreshold = def.AlertThreshold
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}

	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = def.RetentionPeriod
	}

	if c.MaxAlerts <= 0 {
		c.MaxAlerts = def.MaxAlerts
	}

	return c
}

type check struct {
	name                string
	fn                  CheckFunc
	critical            bool
	timeout             time.Duration
	consecutiveFailures int
	totalChecks         int64
	totalFailures       int64
	lastResult          CheckResult
	lastRun             time.Time
}

// Monitor periodically runs registered health checks, maintains a cached
// system-health snapshot, an alert history, and a windowed metrics store.
type Monitor struct {
	config  Config
	logger  log.Logger
	metrics *metricStore

	mu        sync.Mutex
	checks    map[string]*check
	alerts    []Alert
	listeners []Listener
	cached    *SystemHealth

	stopChan       chan struct{}
	immediateCheck chan string
	startOnce      sync.Once
	stopOnce       sync.Once
	wg             sync.WaitGroup

	now func() time.Time
}

// NewMonitor creates a monitor. factory may be nil to disable OpenTelemetry
// mirroring of recorded metrics.
func NewMonitor(config Config, factory *otelmetric.Factory, logger log.Logger) *Monitor {
	config = config.withDefaults()

	return &Monitor{
		config:         config,
		logger:         log.OrNop(logger),
		metrics:        newMetricStore(config.RetentionPeriod, factory),
		checks:         make(map[string]*check),
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
		now:            time.Now,
	}
}

// RegisterCheck adds a named check. Re-registering a name replaces the
// previous check and resets its counters.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc, opts CheckOptions) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.config.CheckTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = &check{
		name:     name,
		fn:       fn,
		critical: opts.Critical,
		timeout:  timeout,
		lastResult: CheckResult{
			Status: StatusUnknown,
		},
	}

	m.cached = nil

	m.logger.Infof("registered health check: %s (critical=%v)", name, opts.Critical)
}

// UnregisterCheck removes a named check.
func (m *Monitor) UnregisterCheck(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checks, name)
	m.cached = nil
}

// RegisterListener registers an observer of alerts, recoveries, and metric
// updates.
func (m *Monitor) RegisterListener(listener Listener) {
	if listener == nil {
		m.logger.Warnf("attempted to register a nil health listener")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// Start begins the periodic check loop in a separate goroutine.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)

		go m.loop()

		m.logger.Infof("health monitor started - checking every %v", m.config.CheckInterval)
	})
}

// Stop gracefully stops the check loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runAllChecks()
			m.metrics.prune()
		case name := <-m.immediateCheck:
			m.runCheck(name)
		case <-m.stopChan:
			return
		}
	}
}

// ForceCheck runs the named check now, or all checks when name is empty,
// and refreshes the cached snapshot.
func (m *Monitor) ForceCheck(name string) {
	if name == "" {
		m.runAllChecks()
		return
	}

	m.runCheck(name)
}

// ScheduleCheck queues an asynchronous immediate run of the named check.
// Non-blocking: when the queue is full the check waits for the next tick.
func (m *Monitor) ScheduleCheck(name string) {
	select {
	case m.immediateCheck <- name:
	default:
		m.logger.Warnf("immediate check queue full, %s will run on the next interval", name)
	}
}

func (m *Monitor) runAllChecks() {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))

	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.runCheck(name)
	}
}

func (m *Monitor) runCheck(name string) {
	m.mu.Lock()
	chk, exists := m.checks[name]

	if !exists {
		m.mu.Unlock()
		m.logger.Warnf("no health check registered under: %s", name)

		return
	}

	fn := chk.fn
	timeout := chk.timeout
	m.mu.Unlock()

	result := m.execute(fn, timeout)

	m.applyResult(name, result)
}

// execute runs the check function racing its timeout. A check that exceeds
// its budget is reported unhealthy; the probe goroutine is not cancelled
// beyond its context deadline.
func (m *Monitor) execute(fn CheckFunc, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan CheckResult, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked"}
			}
		}()

		done <- fn(ctx)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return CheckResult{Status: StatusUnhealthy, Message: "health check timed out"}
	}
}

func (m *Monitor) applyResult(name string, result CheckResult) {
	m.mu.Lock()

	chk, exists := m.checks[name]
	if !exists {
		m.mu.Unlock()
		return
	}

	chk.totalChecks++
	chk.lastRun = m.now()

	previousFailures := chk.consecutiveFailures
	failed := result.Status != StatusHealthy

	if failed {
		chk.totalFailures++
		chk.consecutiveFailures++
	} else {
		chk.consecutiveFailures = 0
	}

	chk.lastResult = result
	m.cached = nil

	var alert *Alert

	if failed && chk.consecutiveFailures >= m.config.AlertThreshold {
		alert = &Alert{
			Check:     name,
			Status:    result.Status,
			Message:   result.Message,
			Failures:  chk.consecutiveFailures,
			Critical:  chk.critical,
			Timestamp: m.now(),
		}

		m.alerts = append(m.alerts, *alert)
		if len(m.alerts) > m.config.MaxAlerts {
			m.alerts = m.alerts[len(m.alerts)-m.config.MaxAlerts:]
		}
	}

	recovered := !failed && previousFailures > 0
	listeners := m.snapshotListenersLocked()

	m.mu.Unlock()

	if alert != nil {
		m.logger.Warnf("health alert for %s: %d consecutive failures (%s)", name, alert.Failures, alert.Message)

		for _, l := range listeners {
			m.safeNotify(func() { l.OnAlert(*alert) })
		}
	}

	if recovered {
		m.logger.Infof("health check %s recovered after %d failures", name, previousFailures)

		for _, l := range listeners {
			m.safeNotify(func() { l.OnRecovered(name, result) })
		}
	}
}

func (m *Monitor) snapshotListenersLocked() []Listener {
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)

	return listeners
}

func (m *Monitor) safeNotify(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Errorf("health listener panic: %v", recovered)
		}
	}()

	fn()
}

// RecordMetric appends a sample to the windowed metrics store and notifies
// observers.
func (m *Monitor) RecordMetric(name string, value float64, tags map[string]string) {
	m.metrics.record(name, value, tags)

	m.mu.Lock()
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	for _, l := range listeners {
		m.safeNotify(func() { l.OnMetricUpdated(name, value) })
	}
}

// Metric returns the aggregate view of one named metric.
func (m *Monitor) Metric(name string) (MetricSnapshot, bool) {
	return m.metrics.snapshot(name)
}

// Metrics returns all metric aggregates keyed by name.
func (m *Monitor) Metrics() map[string]MetricSnapshot {
	return m.metrics.snapshotAll()
}

// Alerts returns a copy of the alert history, newest last.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)

	return out
}

// SystemHealth returns the aggregate snapshot, served from cache unless it
// is older than CacheTTL or forceRefresh is set.
func (m *Monitor) SystemHealth(forceRefresh bool) SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !forceRefresh && m.cached != nil && m.now().Sub(m.cached.GeneratedAt) <= m.config.CacheTTL {
		return *m.cached
	}

	snapshot := m.buildSnapshotLocked()
	m.cached = &snapshot

	return snapshot
}

// buildSnapshotLocked aggregates per-check states into a system status: the
// worst status wins, and a failing critical check escalates to critical.
func (m *Monitor) buildSnapshotLocked() SystemHealth {
	snapshot := SystemHealth{
		Status:      StatusHealthy,
		Checks:      make(map[string]CheckState, len(m.checks)),
		GeneratedAt: m.now(),
	}

	if len(m.checks) == 0 {
		snapshot.Status = StatusUnknown
		return snapshot
	}

	worst := StatusHealthy

	for name, chk := range m.checks {
		state := CheckState{
			Name:                name,
			Critical:            chk.critical,
			ConsecutiveFailures: chk.consecutiveFailures,
			TotalChecks:         chk.totalChecks,
			TotalFailures:       chk.totalFailures,
			LastResult:          chk.lastResult,
			LastRun:             chk.lastRun,
		}
		snapshot.Checks[name] = state

		status := chk.lastResult.Status

		switch status {
		case StatusHealthy:
			snapshot.Healthy++
		case StatusDegraded:
			snapshot.Degraded++
		case StatusUnhealthy:
			snapshot.Unhealthy++
		case StatusCritical:
			snapshot.Critical++
		case StatusUnknown:
		}

		// A critical check reporting anything unhealthy drags the system
		// to critical.
		if chk.critical && (status == StatusUnhealthy || status == StatusCritical) {
			status = StatusCritical
		}

		if status.rank() > worst.rank() {
			worst = status
		}
	}

	snapshot.Status = worst

	return snapshot
}
