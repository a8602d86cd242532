package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/lib-dispatch/dispatch/boundary"
	"github.com/taskmesh/lib-dispatch/dispatch/errgroup"
	"github.com/taskmesh/lib-dispatch/dispatch/health"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// Config holds event bus configuration.
type Config struct {
	// MaxConcurrentHandlers bounds the concurrent handler fan-out per event.
	MaxConcurrentHandlers int

	// HandlerTimeout bounds each handler call unless the subscription
	// overrides it.
	HandlerTimeout time.Duration

	// EnableBatching turns on queued processing for bulk event types.
	EnableBatching bool

	// BatchSize flushes a bulk queue when reached.
	BatchSize int

	// BatchTimeout flushes a non-empty bulk queue after this long.
	BatchTimeout time.Duration

	// BulkEventTypes lists the event types that are queued for batched
	// processing instead of dispatched inline.
	BulkEventTypes []string

	// UseErrorBoundary wraps each event type's dispatch in an error
	// boundary obtained from the wired registry.
	UseErrorBoundary bool

	// Boundary configures the per-event-type dispatch boundaries.
	Boundary boundary.Config
}

// DefaultConfig provides balanced bus settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentHandlers: 5,
		HandlerTimeout:        30 * time.Second,
		BatchSize:             50,
		BatchTimeout:          time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = def.MaxConcurrentHandlers
	}

	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = def.HandlerTimeout
	}

	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}

	return c
}

type counters struct {
	emitted   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	batched   atomic.Int64
	executed  atomic.Int64
	hFailed   atomic.Int64
}

// Manager is the event bus: it validates payloads, routes events through a
// middleware chain to pattern-matched handlers, and tracks integrations.
// Handler failures are counted and logged, never propagated to the emitter.
type Manager struct {
	config Config
	logger log.Logger

	// boundaries, when set together with UseErrorBoundary, protect each
	// event type's dispatch. monitor, when set, receives timing metrics.
	boundaries *boundary.Registry
	monitor    *health.Monitor

	mu           sync.Mutex
	subs         []*subscription
	middleware   []Middleware
	schemas      map[string]Schema
	bulk         map[string]bool
	batches      map[string]*batch
	integrations map[string]*integrationEntry
	closed       bool

	stats counters
	wg    sync.WaitGroup

	now func() time.Time
}

// NewManager creates an event bus. boundaries and monitor may be nil to
// disable boundary protection and metrics reporting respectively.
func NewManager(config Config, boundaries *boundary.Registry, monitor *health.Monitor, logger log.Logger) *Manager {
	config = config.withDefaults()

	bulk := make(map[string]bool, len(config.BulkEventTypes))
	for _, eventType := range config.BulkEventTypes {
		bulk[eventType] = true
	}

	return &Manager{
		config:       config,
		logger:       log.OrNop(logger),
		boundaries:   boundaries,
		monitor:      monitor,
		schemas:      make(map[string]Schema),
		bulk:         bulk,
		batches:      make(map[string]*batch),
		integrations: make(map[string]*integrationEntry),
		now:          time.Now,
	}
}

// RegisterSchema declares the expected payload shape for an event type.
// Emit validates against it and fails fast on mismatch. Event types without
// a schema accept any payload.
func (m *Manager) RegisterSchema(eventType string, schema Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schemas[eventType] = schema
}

// On subscribes a handler to an event pattern and returns the subscription
// ID for Off.
func (m *Manager) On(pattern string, fn HandlerFunc, opts HandlerOptions) (string, error) {
	compiled, err := compilePattern(pattern)
	if err != nil {
		return "", err
	}

	if fn == nil {
		return "", fmt.Errorf("%w: nil handler for pattern %s", ErrInvalidPattern, pattern)
	}

	sub := &subscription{
		id:         uuid.New().String(),
		pattern:    pattern,
		matcher:    compiled,
		fn:         fn,
		sequential: opts.Sequential,
		timeout:    opts.Timeout,
		owner:      opts.Owner,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, sub)

	m.logger.Debugf("handler subscribed to %s (sequential=%v, owner=%s)", pattern, opts.Sequential, opts.Owner)

	return sub.id, nil
}

// Off removes a subscription by ID. Removing an unknown ID is a no-op.
func (m *Manager) Off(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.offLocked(subID)
}

func (m *Manager) offLocked(subID string) bool {
	for i, sub := range m.subs {
		if sub.id == subID {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true
		}
	}

	return false
}

// Use appends a middleware to the chain. Middleware run in registration
// order before every handler dispatch.
func (m *Manager) Use(mw Middleware) {
	if mw == nil {
		m.logger.Warnf("attempted to register a nil middleware")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.middleware = append(m.middleware, mw)
}

// Emit validates and dispatches an event. Bulk event types are queued for
// batched processing and Emit returns once the event is queued; all other
// types are processed before Emit returns. Handler failures never surface
// here; only validation, isolation, and circuit rejections do.
func (m *Manager) Emit(ctx context.Context, eventType string, payload map[string]any, evtCtx EventContext) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrBusClosed
	}

	schema, hasSchema := m.schemas[eventType]
	isBulk := m.config.EnableBatching && m.bulk[eventType]

	m.mu.Unlock()

	if hasSchema {
		if err := schema.check(eventType, payload); err != nil {
			m.stats.failed.Add(1)
			m.logger.Warnf("rejected %s event: %v", eventType, err)

			return err
		}
	}

	m.stats.emitted.Add(1)

	event := newEvent(eventType, payload, evtCtx, m.now())

	if isBulk {
		m.enqueue(event)
		return nil
	}

	return m.process(ctx, event)
}

// process runs one event through the boundary (when enabled) and dispatch.
func (m *Manager) process(ctx context.Context, event Event) error {
	if m.boundaries == nil || !m.config.UseErrorBoundary {
		return m.dispatch(ctx, event)
	}

	bound := m.boundaries.GetOrCreate("bus:"+event.Type, m.config.Boundary)

	_, err := bound.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, m.dispatch(ctx, event)
	})
	if err != nil {
		m.stats.failed.Add(1)
		return err
	}

	return nil
}

// dispatch runs the middleware chain and fans the event out to matching
// handlers: sequential subscriptions first, in registration order, then the
// concurrent ones under the fan-out limit.
func (m *Manager) dispatch(ctx context.Context, event Event) error {
	start := m.now()

	m.mu.Lock()
	middleware := make([]Middleware, len(m.middleware))
	copy(middleware, m.middleware)
	m.mu.Unlock()

	for _, mw := range middleware {
		next, keep := m.applyMiddleware(ctx, mw, event)
		if !keep {
			m.stats.dropped.Add(1)
			m.logger.Debugf("event %s dropped by middleware", event.Type)

			return nil
		}

		event = next
	}

	sequential, concurrent := m.matchingSubs(event.Type)

	for _, sub := range sequential {
		m.runHandler(ctx, sub, event)
	}

	if len(concurrent) > 0 {
		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(m.config.MaxConcurrentHandlers)
		grp.SetLogger(m.logger)

		for _, sub := range concurrent {
			grp.Go(func() error {
				m.runHandler(grpCtx, sub, event)
				return nil
			})
		}

		// Handler errors are consumed by runHandler; Wait only joins.
		_ = grp.Wait()
	}

	m.stats.processed.Add(1)

	if m.monitor != nil {
		elapsed := m.now().Sub(start)
		m.monitor.RecordMetric("bus.dispatch_duration_ms",
			float64(elapsed.Milliseconds()), map[string]string{"type": event.Type})
	}

	return nil
}

// applyMiddleware runs one middleware, containing panics so a buggy
// transform cannot take down dispatch. A panicking middleware drops the
// event.
func (m *Manager) applyMiddleware(ctx context.Context, mw Middleware, event Event) (out Event, keep bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Errorf("middleware panic on %s event: %v", event.Type, recovered)

			out = event
			keep = false
		}
	}()

	return mw(ctx, event)
}

func (m *Manager) matchingSubs(eventType string) (sequential, concurrent []*subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if !sub.matcher.matches(eventType) {
			continue
		}

		if sub.sequential {
			sequential = append(sequential, sub)
		} else {
			concurrent = append(concurrent, sub)
		}
	}

	return sequential, concurrent
}

// runHandler executes one handler under its timeout. Failures and timeouts
// are counted and logged; siblings and the emitter are unaffected.
func (m *Manager) runHandler(ctx context.Context, sub *subscription, event Event) {
	timeout := sub.timeout
	if timeout <= 0 {
		timeout = m.config.HandlerTimeout
	}

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- fmt.Errorf("handler panic: %v", recovered)
			}
		}()

		done <- sub.fn(handlerCtx, event)
	}()

	var err error

	select {
	case err = <-done:
	case <-handlerCtx.Done():
		// The handler goroutine may still complete in the background; its
		// result is discarded.
		err = fmt.Errorf("%w: pattern %s exceeded %v on event %s", ErrHandlerTimeout, sub.pattern, timeout, event.Type)
	}

	if err != nil {
		m.stats.hFailed.Add(1)
		m.logger.Warnf("handler %s failed on %s event: %v", sub.pattern, event.Type, err)

		return
	}

	m.stats.executed.Add(1)
}

// Register initializes an integration and auto-subscribes it to every
// pattern it answers for. A disabled integration is recorded but receives
// no events.
func (m *Manager) Register(ctx context.Context, integration Integration) error {
	if integration == nil {
		return fmt.Errorf("cannot register a nil integration")
	}

	name := integration.Name()

	m.mu.Lock()

	if _, exists := m.integrations[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("integration already registered: %s", name)
	}

	entry := &integrationEntry{
		integration:  integration,
		registeredAt: m.now(),
	}
	m.integrations[name] = entry

	m.mu.Unlock()

	if !integration.Enabled() {
		m.logger.Infof("integration %s registered but disabled", name)
		return nil
	}

	if err := integration.Initialize(ctx); err != nil {
		m.mu.Lock()
		entry.lastError = err.Error()
		m.mu.Unlock()

		return fmt.Errorf("failed to initialize integration %s: %w", name, err)
	}

	var subIDs []string

	for _, pattern := range integration.EventTypes() {
		subID, err := m.On(pattern, integration.HandleEvent, HandlerOptions{Owner: name})
		if err != nil {
			for _, id := range subIDs {
				m.Off(id)
			}

			m.mu.Lock()
			entry.lastError = err.Error()
			m.mu.Unlock()

			return fmt.Errorf("failed to subscribe integration %s to %s: %w", name, pattern, err)
		}

		subIDs = append(subIDs, subID)
	}

	m.mu.Lock()
	entry.subIDs = subIDs
	entry.running = true
	m.mu.Unlock()

	m.logger.Infof("integration %s v%s registered with %d subscriptions", name, integration.Version(), len(subIDs))

	return nil
}

// Unregister shuts an integration down and removes its subscriptions.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()

	entry, exists := m.integrations[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("integration not registered: %s", name)
	}

	for _, subID := range entry.subIDs {
		m.offLocked(subID)
	}

	delete(m.integrations, name)
	running := entry.running

	m.mu.Unlock()

	if running {
		if err := entry.integration.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down integration %s: %w", name, err)
		}
	}

	return nil
}

// IntegrationStatus returns a snapshot of every registered integration.
func (m *Manager) IntegrationStatus() map[string]IntegrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]IntegrationStatus, len(m.integrations))

	for name, entry := range m.integrations {
		subs := make([]string, 0, len(entry.subIDs))

		for _, subID := range entry.subIDs {
			for _, sub := range m.subs {
				if sub.id == subID {
					subs = append(subs, sub.pattern)
					break
				}
			}
		}

		out[name] = IntegrationStatus{
			Name:          name,
			Version:       entry.integration.Version(),
			Enabled:       entry.integration.Enabled(),
			Running:       entry.running,
			Subscriptions: subs,
			RegisteredAt:  entry.registeredAt,
			LastError:     entry.lastError,
		}
	}

	return out
}

// Stats returns a snapshot of the bus counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	subs := len(m.subs)
	queued := 0

	for _, b := range m.batches {
		queued += len(b.events)
	}
	m.mu.Unlock()

	return Stats{
		EventsEmitted:    m.stats.emitted.Load(),
		EventsProcessed:  m.stats.processed.Load(),
		EventsFailed:     m.stats.failed.Load(),
		EventsDropped:    m.stats.dropped.Load(),
		EventsBatched:    m.stats.batched.Load(),
		HandlersExecuted: m.stats.executed.Load(),
		HandlersFailed:   m.stats.hFailed.Load(),
		Subscriptions:    subs,
		QueuedEvents:     queued,
	}
}

// HealthCheck adapts the bus into a health monitor probe: degraded when any
// handler has failed recently relative to executions, unhealthy when the
// failure share exceeds half.
func (m *Manager) HealthCheck() health.CheckFunc {
	return func(ctx context.Context) health.CheckResult {
		stats := m.Stats()

		total := stats.HandlersExecuted + stats.HandlersFailed
		if total == 0 {
			return health.CheckResult{Status: health.StatusHealthy, Message: "no handler activity"}
		}

		failureShare := float64(stats.HandlersFailed) / float64(total)

		result := health.CheckResult{
			Status: health.StatusHealthy,
			Data: map[string]any{
				"events_processed": stats.EventsProcessed,
				"handlers_failed":  stats.HandlersFailed,
			},
		}

		switch {
		case failureShare > 0.5:
			result.Status = health.StatusUnhealthy
			result.Message = "most handler executions are failing"
		case failureShare > 0.1:
			result.Status = health.StatusDegraded
			result.Message = "elevated handler failure rate"
		}

		return result
	}
}

// Shutdown flushes pending batches, shuts down running integrations, and
// rejects further emits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true

	pending := make([]*batch, 0, len(m.batches))
	for _, b := range m.batches {
		pending = append(pending, b)
	}

	entries := make([]*integrationEntry, 0, len(m.integrations))
	for _, entry := range m.integrations {
		if entry.running {
			entries = append(entries, entry)
		}
	}

	m.mu.Unlock()

	for _, b := range pending {
		m.flush(b)
	}

	m.wg.Wait()

	var firstErr error

	for _, entry := range entries {
		if err := entry.integration.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shut down integration %s: %w", entry.integration.Name(), err)
		}
	}

	m.logger.Info("event bus shut down")

	return firstErr
}
