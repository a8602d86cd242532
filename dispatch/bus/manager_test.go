package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/lib-dispatch/dispatch/boundary"
	"github.com/taskmesh/lib-dispatch/dispatch/health"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

func testBusConfig() Config {
	return Config{
		MaxConcurrentHandlers: 5,
		HandlerTimeout:        time.Second,
	}
}

func newTestBus() *Manager {
	return NewManager(testBusConfig(), nil, nil, log.NewNop())
}

func okHandler(counter *atomic.Int64) HandlerFunc {
	return func(ctx context.Context, event Event) error {
		counter.Add(1)
		return nil
	}
}

func TestManager_EmitDispatchesToExactMatch(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	var hits atomic.Int64

	_, err := m.On("task:created", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", map[string]any{"id": "T-1"}, EventContext{}))
	require.NoError(t, m.Emit(context.Background(), "task:updated", map[string]any{"id": "T-1"}, EventContext{}))

	assert.Equal(t, int64(1), hits.Load())

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.EventsEmitted)
	assert.Equal(t, int64(2), stats.EventsProcessed)
	assert.Equal(t, int64(1), stats.HandlersExecuted)
}

func TestManager_PatternMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern   string
		eventType string
		matched   bool
	}{
		{"task:created", "task:created", true},
		{"task:created", "task:updated", false},
		{"*", "anything:at:all", true},
		{"task:*", "task:created", true},
		{"task:*", "task:bulk:created", true},
		{"task:*", "issue:created", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s vs %s", tt.pattern, tt.eventType), func(t *testing.T) {
			t.Parallel()

			m := newTestBus()

			var hits atomic.Int64

			_, err := m.On(tt.pattern, okHandler(&hits), HandlerOptions{})
			require.NoError(t, err)

			require.NoError(t, m.Emit(context.Background(), tt.eventType, nil, EventContext{}))

			if tt.matched {
				assert.Equal(t, int64(1), hits.Load())
			} else {
				assert.Zero(t, hits.Load())
			}
		})
	}
}

func TestManager_InvalidPatterns(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	for _, pattern := range []string{"", "task:*:created", "*task", "ta*sk"} {
		_, err := m.On(pattern, func(ctx context.Context, event Event) error { return nil }, HandlerOptions{})
		assert.ErrorIs(t, err, ErrInvalidPattern, pattern)
	}

	_, err := m.On("task:created", nil, HandlerOptions{})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestManager_OneFailingHandlerDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	var succeeded atomic.Int64

	_, err := m.On("task:created", func(ctx context.Context, event Event) error {
		return errors.New("handler exploded")
	}, HandlerOptions{})
	require.NoError(t, err)

	_, err = m.On("task:created", okHandler(&succeeded), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", map[string]any{"id": "T-1"}, EventContext{}),
		"a handler failure never surfaces to the emitter")

	assert.Equal(t, int64(1), succeeded.Load())

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.HandlersFailed)
	assert.Equal(t, int64(1), stats.HandlersExecuted)
}

func TestManager_SequentialHandlersRunInOrder(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	var (
		mu    sync.Mutex
		order []int
	)

	for i := range 3 {
		_, err := m.On("task:created", func(ctx context.Context, event Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			return nil
		}, HandlerOptions{Sequential: true})
		require.NoError(t, err)
	}

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestManager_ConcurrentFanoutIsBounded(t *testing.T) {
	t.Parallel()

	config := testBusConfig()
	config.MaxConcurrentHandlers = 2

	m := NewManager(config, nil, nil, log.NewNop())

	var current, peak atomic.Int64

	for range 8 {
		_, err := m.On("task:created", func(ctx context.Context, event Event) error {
			n := current.Add(1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
			current.Add(-1)

			return nil
		}, HandlerOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(8), m.Stats().HandlersExecuted)
}

func TestManager_MiddlewareTransformsPayload(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	m.Use(func(ctx context.Context, event Event) (Event, bool) {
		event.Payload["enriched"] = true
		return event, true
	})

	var sawEnrichment atomic.Bool

	_, err := m.On("task:created", func(ctx context.Context, event Event) error {
		enriched, _ := event.Payload["enriched"].(bool)
		sawEnrichment.Store(enriched)

		return nil
	}, HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", map[string]any{"id": "T-1"}, EventContext{}))

	assert.True(t, sawEnrichment.Load())
}

func TestManager_MiddlewareDropsEvent(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	m.Use(func(ctx context.Context, event Event) (Event, bool) {
		return event, false
	})

	var hits atomic.Int64

	_, err := m.On("*", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Zero(t, hits.Load())
	assert.Equal(t, int64(1), m.Stats().EventsDropped)
}

func TestManager_MiddlewarePanicDropsEvent(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	m.Use(func(ctx context.Context, event Event) (Event, bool) {
		panic("middleware bug")
	})

	var hits atomic.Int64

	_, err := m.On("*", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Zero(t, hits.Load())
}

func TestManager_HandlerTimeout(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	_, err := m.On("task:created", func(ctx context.Context, event Event) error {
		time.Sleep(5 * time.Second)
		return nil
	}, HandlerOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), m.Stats().HandlersFailed)
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	_, err := m.On("task:created", func(ctx context.Context, event Event) error {
		panic("handler bug")
	}, HandlerOptions{Sequential: true})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Equal(t, int64(1), m.Stats().HandlersFailed)
}

func TestManager_SchemaValidation(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	m.RegisterSchema("task:created", Schema{
		Required: []string{"id", "title"},
		Validate: func(payload map[string]any) error {
			if id, _ := payload["id"].(string); id == "" {
				return errors.New("id must be a non-empty string")
			}

			return nil
		},
	})

	var hits atomic.Int64

	_, err := m.On("task:created", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	err = m.Emit(context.Background(), "task:created", map[string]any{"id": "T-1"}, EventContext{})
	assert.ErrorIs(t, err, ErrValidationFailed, "missing required field")

	err = m.Emit(context.Background(), "task:created", map[string]any{"id": 7, "title": "x"}, EventContext{})
	assert.ErrorIs(t, err, ErrValidationFailed, "custom validator rejection")

	err = m.Emit(context.Background(), "task:created", map[string]any{"id": "T-1", "title": "x"}, EventContext{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(2), m.Stats().EventsFailed)
}

func TestManager_Off(t *testing.T) {
	t.Parallel()

	m := newTestBus()

	var hits atomic.Int64

	subID, err := m.On("task:created", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	assert.True(t, m.Off(subID))
	assert.False(t, m.Off(subID))

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))
	assert.Zero(t, hits.Load())
}

func TestManager_BatchFlushOnSize(t *testing.T) {
	t.Parallel()

	config := testBusConfig()
	config.EnableBatching = true
	config.BatchSize = 3
	config.BatchTimeout = time.Hour
	config.BulkEventTypes = []string{"task:bulk"}

	m := NewManager(config, nil, nil, log.NewNop())

	var hits atomic.Int64

	_, err := m.On("task:bulk", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	for i := range 2 {
		require.NoError(t, m.Emit(context.Background(), "task:bulk", map[string]any{"n": i}, EventContext{}))
	}

	assert.Zero(t, hits.Load(), "a partial batch stays queued")
	assert.Equal(t, 2, m.Stats().QueuedEvents)

	require.NoError(t, m.Emit(context.Background(), "task:bulk", map[string]any{"n": 2}, EventContext{}))

	assert.Eventually(t, func() bool {
		return hits.Load() == 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int64(3), m.Stats().EventsBatched)
	assert.Zero(t, m.Stats().QueuedEvents)
}

func TestManager_BatchFlushOnTimer(t *testing.T) {
	t.Parallel()

	config := testBusConfig()
	config.EnableBatching = true
	config.BatchSize = 100
	config.BatchTimeout = 20 * time.Millisecond
	config.BulkEventTypes = []string{"task:bulk"}

	m := NewManager(config, nil, nil, log.NewNop())

	var hits atomic.Int64

	_, err := m.On("task:bulk", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:bulk", nil, EventContext{}))

	assert.Eventually(t, func() bool {
		return hits.Load() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestManager_NonBulkTypesBypassBatching(t *testing.T) {
	t.Parallel()

	config := testBusConfig()
	config.EnableBatching = true
	config.BulkEventTypes = []string{"task:bulk"}

	m := NewManager(config, nil, nil, log.NewNop())

	var hits atomic.Int64

	_, err := m.On("task:created", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	assert.Equal(t, int64(1), hits.Load(), "inline types dispatch before Emit returns")
}

func TestManager_BoundaryIsolationRejectsEmit(t *testing.T) {
	t.Parallel()

	boundaries := boundary.NewRegistry(nil, log.NewNop())

	config := testBusConfig()
	config.UseErrorBoundary = true
	config.Boundary = boundary.Config{MaxRetries: 0}

	m := NewManager(config, boundaries, nil, log.NewNop())

	_, err := m.On("task:created", func(ctx context.Context, event Event) error { return nil }, HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}),
		"first emit creates the per-type boundary")

	bound, ok := boundaries.Get("bus:task:created")
	require.True(t, ok)

	bound.Isolate("manual isolation", time.Hour)

	err = m.Emit(context.Background(), "task:created", nil, EventContext{})
	assert.ErrorIs(t, err, boundary.ErrIsolationActive)
	assert.Equal(t, int64(1), m.Stats().EventsFailed)
}

func TestManager_ShutdownRejectsEmitAndFlushes(t *testing.T) {
	t.Parallel()

	config := testBusConfig()
	config.EnableBatching = true
	config.BatchSize = 100
	config.BatchTimeout = time.Hour
	config.BulkEventTypes = []string{"task:bulk"}

	m := NewManager(config, nil, nil, log.NewNop())

	var hits atomic.Int64

	_, err := m.On("task:bulk", okHandler(&hits), HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:bulk", nil, EventContext{}))

	require.NoError(t, m.Shutdown(context.Background()))

	assert.Equal(t, int64(1), hits.Load(), "pending batches flush on shutdown")
	assert.ErrorIs(t, m.Emit(context.Background(), "task:bulk", nil, EventContext{}), ErrBusClosed)
}

func TestManager_HealthCheck(t *testing.T) {
	t.Parallel()

	m := newTestBus()
	probe := m.HealthCheck()

	result := probe(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)

	_, err := m.On("task:created", func(ctx context.Context, event Event) error {
		return errors.New("always failing")
	}, HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	result = probe(context.Background())
	assert.Equal(t, health.StatusUnhealthy, result.Status)
}

func TestManager_MetricsReportedToMonitor(t *testing.T) {
	t.Parallel()

	monitor := health.NewMonitor(health.Config{CheckInterval: time.Hour}, nil, log.NewNop())
	m := NewManager(testBusConfig(), nil, monitor, log.NewNop())

	_, err := m.On("task:created", func(ctx context.Context, event Event) error { return nil }, HandlerOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Emit(context.Background(), "task:created", nil, EventContext{}))

	snapshot, ok := monitor.Metric("bus.dispatch_duration_ms")
	require.True(t, ok)
	assert.Equal(t, int64(1), snapshot.Count)
}
