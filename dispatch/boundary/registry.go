package boundary

import (
	"sync"
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// Registry owns one boundary per named target, lazily created. Boundaries
// configured with UseCircuitBreaker share the registry's breaker registry,
// so the recovery manager sees one breaker per target.
type Registry struct {
	mu         sync.RWMutex
	boundaries map[string]*Boundary
	listeners  []Listener
	breakers   *circuitbreaker.Registry
	logger     log.Logger
}

// NewRegistry creates an empty boundary registry. breakers may be nil when
// no boundary will enable circuit breaking.
func NewRegistry(breakers *circuitbreaker.Registry, logger log.Logger) *Registry {
	return &Registry{
		boundaries: make(map[string]*Boundary),
		breakers:   breakers,
		logger:     log.OrNop(logger),
	}
}

// GetOrCreate returns the existing boundary for target or creates a new one
// with the given config. The config of an existing boundary is not changed.
func (r *Registry) GetOrCreate(target string, config Config) *Boundary {
	r.mu.RLock()
	bound, exists := r.boundaries[target]
	r.mu.RUnlock()

	if exists {
		return bound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, exists = r.boundaries[target]; exists {
		return bound
	}

	var breaker *circuitbreaker.Breaker
	if config.UseCircuitBreaker && r.breakers != nil {
		breaker = r.breakers.GetOrCreate(target, config.Breaker)
	}

	bound = New(target, config, breaker, r.logger)
	bound.onEvent = (*registryFanout)(r)
	r.boundaries[target] = bound

	r.logger.Infof("created error boundary for target: %s", target)

	return bound
}

// Get returns the boundary for target, if one exists.
func (r *Registry) Get(target string) (*Boundary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound, exists := r.boundaries[target]

	return bound, exists
}

// Reset resets the boundary for target, when one exists.
func (r *Registry) Reset(target string) {
	if bound, exists := r.Get(target); exists {
		r.logger.Infof("resetting error boundary for target: %s", target)
		bound.Reset()
	}
}

// Targets returns the names of all registered boundaries.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.boundaries))
	for target := range r.boundaries {
		targets = append(targets, target)
	}

	return targets
}

// Statuses returns a snapshot of every registered boundary keyed by target.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	boundaries := make([]*Boundary, 0, len(r.boundaries))

	for _, bound := range r.boundaries {
		boundaries = append(boundaries, bound)
	}
	r.mu.RUnlock()

	statuses := make(map[string]Status, len(boundaries))
	for _, bound := range boundaries {
		statuses[bound.Target()] = bound.Status()
	}

	return statuses
}

// RegisterListener registers a listener notified of lifecycle events on
// every boundary in the registry, including ones created later.
func (r *Registry) RegisterListener(listener Listener) {
	if listener == nil {
		r.logger.Warnf("attempted to register a nil boundary listener")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// registryFanout relays one boundary's events to every registered listener.
// Each listener runs behind a recover so a panicking observer cannot poison
// the boundary.
type registryFanout Registry

func (f *registryFanout) snapshot() []Listener {
	r := (*Registry)(f)

	r.mu.RLock()
	defer r.mu.RUnlock()

	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)

	return listeners
}

func (f *registryFanout) each(fn func(Listener)) {
	r := (*Registry)(f)

	for _, listener := range f.snapshot() {
		func(l Listener) {
			defer func() {
				if recovered := recover(); recovered != nil {
					r.logger.Errorf("boundary listener panic: %v", recovered)
				}
			}()

			fn(l)
		}(listener)
	}
}

func (f *registryFanout) OnErrorCaught(target string, record ErrorRecord) {
	f.each(func(l Listener) { l.OnErrorCaught(target, record) })
}

func (f *registryFanout) OnIsolationStarted(target, reason string, duration time.Duration) {
	f.each(func(l Listener) { l.OnIsolationStarted(target, reason, duration) })
}

func (f *registryFanout) OnIsolationEnded(target, reason string) {
	f.each(func(l Listener) { l.OnIsolationEnded(target, reason) })
}

func (f *registryFanout) OnFallbackExecuted(target string) {
	f.each(func(l Listener) { l.OnFallbackExecuted(target) })
}
