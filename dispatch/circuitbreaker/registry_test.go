package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

func TestRegistry_GetOrCreateReturnsSameInstance(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	first := registry.GetOrCreate("linear", DefaultConfig())
	second := registry.GetOrCreate("linear", AggressiveConfig())

	assert.Same(t, first, second, "one breaker per target")
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	var wg sync.WaitGroup

	breakers := make([]*Breaker, 16)

	for i := range breakers {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			breakers[idx] = registry.GetOrCreate("shared", DefaultConfig())
		}(i)
	}

	wg.Wait()

	for _, breaker := range breakers[1:] {
		assert.Same(t, breakers[0], breaker)
	}
}

func TestRegistry_ExecuteUnknownTarget(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	_, err := registry.Execute(context.Background(), "missing", succeedingCall)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker not found")
}

func TestRegistry_StateAndHealth(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	assert.Equal(t, StateUnknown, registry.State("missing"))
	assert.False(t, registry.IsHealthy("missing"))

	registry.GetOrCreate("linear", DefaultConfig())
	assert.Equal(t, StateClosed, registry.State("linear"))
	assert.True(t, registry.IsHealthy("linear"))
}

func TestRegistry_ResetReopensClosedBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	breaker := registry.GetOrCreate("linear", testConfig())

	for range 3 {
		_, _ = breaker.Execute(context.Background(), failingCall)
	}

	require.Equal(t, StateOpen, registry.State("linear"))

	registry.Reset("linear")
	assert.Equal(t, StateClosed, registry.State("linear"))
}

func TestRegistry_StateChangeListener(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	type transition struct {
		target   string
		from, to State
	}

	transitions := make(chan transition, 8)

	registry.RegisterStateChangeListener(StateChangeListenerFunc(func(target string, from, to State, reason string) {
		transitions <- transition{target: target, from: from, to: to}
	}))

	breaker := registry.GetOrCreate("linear", testConfig())

	for range 3 {
		_, _ = breaker.Execute(context.Background(), failingCall)
	}

	select {
	case tr := <-transitions:
		assert.Equal(t, "linear", tr.target)
		assert.Equal(t, StateClosed, tr.from)
		assert.Equal(t, StateOpen, tr.to)
	case <-time.After(time.Second):
		t.Fatal("expected a state change notification")
	}
}

func TestRegistry_ListenerPanicDoesNotPoisonBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	registry.RegisterStateChangeListener(StateChangeListenerFunc(func(string, State, State, string) {
		panic("observer bug")
	}))

	notified := make(chan struct{})

	registry.RegisterStateChangeListener(StateChangeListenerFunc(func(string, State, State, string) {
		close(notified)
	}))

	breaker := registry.GetOrCreate("linear", testConfig())

	for range 3 {
		_, _ = breaker.Execute(context.Background(), failingCall)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("second listener should still be notified after the first panics")
	}

	assert.Equal(t, StateOpen, registry.State("linear"))
}

func TestRegistry_TargetsAndStatuses(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	registry.GetOrCreate("linear", DefaultConfig())
	registry.GetOrCreate("slack", DefaultConfig())

	assert.ElementsMatch(t, []string{"linear", "slack"}, registry.Targets())

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, StateClosed, statuses["linear"].State)
	assert.Equal(t, StateClosed, statuses["slack"].State)
}
