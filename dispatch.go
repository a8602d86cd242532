// Package dispatch provides a fault-tolerant, event-driven dispatch
// framework: circuit breakers and error boundaries around named targets, a
// health monitor, a recovery manager that repairs failing targets, and an
// event bus routing events to pattern-matched handlers.
//
// System is the composition root. All components are explicitly constructed
// and injected; there are no package-level instances.
package dispatch

import (
	"context"

	"github.com/taskmesh/lib-dispatch/dispatch/boundary"
	"github.com/taskmesh/lib-dispatch/dispatch/bus"
	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/health"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
	"github.com/taskmesh/lib-dispatch/dispatch/otelmetric"
	"github.com/taskmesh/lib-dispatch/dispatch/recovery"
)

// Config aggregates the per-component configurations. The zero value uses
// each component's defaults.
type Config struct {
	Breaker  circuitbreaker.Config
	Boundary boundary.Config
	Health   health.Config
	Recovery recovery.Config
	Bus      bus.Config
}

// Option customizes System construction.
type Option func(*options)

type options struct {
	logger  log.Logger
	factory *otelmetric.Factory
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricFactory enables OpenTelemetry mirroring of health metrics.
func WithMetricFactory(factory *otelmetric.Factory) Option {
	return func(o *options) { o.factory = factory }
}

// System wires the framework's components together. Construct with
// NewSystem, call Start to begin background monitoring and recovery, and
// Shutdown to stop everything in dependency order.
type System struct {
	Breakers   *circuitbreaker.Registry
	Boundaries *boundary.Registry
	Monitor    *health.Monitor
	Recovery   *recovery.Manager
	Bus        *bus.Manager

	config Config
	logger log.Logger
}

// NewSystem builds a fully wired system: the boundary registry shares the
// breaker registry, the recovery manager scans both plus the monitor, the
// bus reports dispatch metrics into the monitor, and breaker transitions and
// bus health feed the monitor as checks.
func NewSystem(config Config, opts ...Option) *System {
	var o options

	for _, opt := range opts {
		opt(&o)
	}

	logger := log.OrNop(o.logger)

	breakers := circuitbreaker.NewRegistry(logger)
	boundaries := boundary.NewRegistry(breakers, logger)
	monitor := health.NewMonitor(config.Health, o.factory, logger)
	recoveryMgr := recovery.NewManager(config.Recovery, breakers, boundaries, monitor, logger)
	busMgr := bus.NewManager(config.Bus, boundaries, monitor, logger)

	s := &System{
		Breakers:   breakers,
		Boundaries: boundaries,
		Monitor:    monitor,
		Recovery:   recoveryMgr,
		Bus:        busMgr,
		config:     config,
		logger:     logger,
	}

	breakers.RegisterStateChangeListener(circuitbreaker.StateChangeListenerFunc(
		func(target string, from, to circuitbreaker.State, reason string) {
			monitor.RecordMetric("breaker.transitions", 1, map[string]string{
				"target": target,
				"to":     string(to),
			})

			if to == circuitbreaker.StateOpen {
				monitor.ScheduleCheck("circuit_breakers")
			}
		}))

	monitor.RegisterCheck("circuit_breakers", s.breakersCheck, health.CheckOptions{})
	monitor.RegisterCheck("error_boundaries", s.boundariesCheck, health.CheckOptions{})
	monitor.RegisterCheck("event_bus", busMgr.HealthCheck(), health.CheckOptions{})

	return s
}

// Protect returns the circuit breaker for the target, creating it with the
// system-wide breaker configuration on first use.
func (s *System) Protect(target string) *circuitbreaker.Breaker {
	return s.Breakers.GetOrCreate(target, s.config.Breaker)
}

// Boundary returns the error boundary for the target, creating it with the
// system-wide boundary configuration on first use.
func (s *System) Boundary(target string) *boundary.Boundary {
	return s.Boundaries.GetOrCreate(target, s.config.Boundary)
}

// Start launches the background loops: periodic health checks and the
// recovery scan.
func (s *System) Start() {
	s.Monitor.Start()
	s.Recovery.Start()
	s.logger.Info("dispatch system started")
}

// Shutdown stops the components in dependency order: the bus first so no
// new work arrives, then recovery, then the monitor.
func (s *System) Shutdown(ctx context.Context) error {
	err := s.Bus.Shutdown(ctx)

	s.Recovery.Stop()
	s.Monitor.Stop()
	s.logger.Info("dispatch system stopped")

	return err
}

// breakersCheck reports degraded while any breaker is half-open and
// unhealthy while any is open.
func (s *System) breakersCheck(ctx context.Context) health.CheckResult {
	var open, halfOpen []string

	for target, status := range s.Breakers.Statuses() {
		switch status.State {
		case circuitbreaker.StateOpen:
			open = append(open, target)
		case circuitbreaker.StateHalfOpen:
			halfOpen = append(halfOpen, target)
		}
	}

	result := health.CheckResult{
		Status: health.StatusHealthy,
		Data:   map[string]any{"open": open, "half_open": halfOpen},
	}

	switch {
	case len(open) > 0:
		result.Status = health.StatusUnhealthy
		result.Message = "open circuit breakers"
	case len(halfOpen) > 0:
		result.Status = health.StatusDegraded
		result.Message = "circuit breakers probing recovery"
	}

	return result
}

// boundariesCheck reports the worst boundary health across all targets.
func (s *System) boundariesCheck(ctx context.Context) health.CheckResult {
	var isolated, unhealthy []string

	for target, status := range s.Boundaries.Statuses() {
		switch status.Health {
		case boundary.HealthIsolated:
			isolated = append(isolated, target)
		case boundary.HealthUnhealthy:
			unhealthy = append(unhealthy, target)
		}
	}

	result := health.CheckResult{
		Status: health.StatusHealthy,
		Data:   map[string]any{"isolated": isolated, "unhealthy": unhealthy},
	}

	switch {
	case len(isolated) > 0:
		result.Status = health.StatusUnhealthy
		result.Message = "isolated error boundaries"
	case len(unhealthy) > 0:
		result.Status = health.StatusDegraded
		result.Message = "unhealthy error boundaries"
	}

	return result
}
