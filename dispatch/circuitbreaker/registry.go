package circuitbreaker

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// Registry owns one breaker per named target, lazily created. All concurrent
// callers for a target serialize through the same breaker instance.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	logger    log.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   log.OrNop(logger),
	}
}

// GetOrCreate returns the existing breaker for target or creates a new one
// with the given config. The config of an existing breaker is not changed.
func (r *Registry) GetOrCreate(target string, config Config) *Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[target]
	r.mu.RUnlock()

	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, exists = r.breakers[target]; exists {
		return breaker
	}

	breaker = New(target, config, r.logger)
	breaker.onStateChange = r.notifyStateChange
	r.breakers[target] = breaker

	r.logger.Infof("created circuit breaker for target: %s", target)

	return breaker
}

// Get returns the breaker for target, if one exists.
func (r *Registry) Get(target string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, exists := r.breakers[target]

	return breaker, exists
}

// Execute runs fn through the breaker for target. The breaker must have been
// created first via GetOrCreate.
func (r *Registry) Execute(ctx context.Context, target string, fn Func) (any, error) {
	breaker, exists := r.Get(target)
	if !exists {
		return nil, fmt.Errorf("circuit breaker not found for target: %s (call GetOrCreate first)", target)
	}

	return breaker.Execute(ctx, fn)
}

// State returns the current state of the breaker for target, or StateUnknown
// when no breaker exists.
func (r *Registry) State(target string) State {
	breaker, exists := r.Get(target)
	if !exists {
		return StateUnknown
	}

	return breaker.State()
}

// IsHealthy returns true when the breaker for target is closed. Open and
// half-open both count as unhealthy: they need recovery intervention.
func (r *Registry) IsHealthy(target string) bool {
	return r.State(target) == StateClosed
}

// Reset returns the breaker for target to closed, when one exists.
func (r *Registry) Reset(target string) {
	if breaker, exists := r.Get(target); exists {
		r.logger.Infof("resetting circuit breaker for target: %s", target)
		breaker.Reset()
	}
}

// Targets returns the names of all registered breakers.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.breakers))
	for target := range r.breakers {
		targets = append(targets, target)
	}

	return targets
}

// Statuses returns a snapshot of every registered breaker keyed by target.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))

	for _, breaker := range r.breakers {
		breakers = append(breakers, breaker)
	}
	r.mu.RUnlock()

	statuses := make(map[string]Status, len(breakers))
	for _, breaker := range breakers {
		statuses[breaker.Target()] = breaker.Status()
	}

	return statuses
}

// RegisterStateChangeListener registers a listener notified of transitions
// on every breaker in the registry, including ones created later.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		r.logger.Warnf("attempted to register a nil state change listener")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// notifyStateChange fans a transition out to all listeners. Each listener
// runs behind a recover so a panicking observer cannot poison the breaker.
func (r *Registry) notifyStateChange(target string, from, to State, reason string) {
	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		func(l StateChangeListener) {
			defer func() {
				if recovered := recover(); recovered != nil {
					r.logger.Errorf("state change listener panic for target %s: %v", target, recovered)
				}
			}()

			l.OnStateChange(target, from, to, reason)
		}(listener)
	}
}
