package boundary

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

func fastConfig() Config {
	return Config{
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		MaxRetryDelay:       10 * time.Millisecond,
		Timeout:             time.Second,
		ErrorWindow:         time.Minute,
		MaxConcurrentErrors: 4,
		IsolationDuration:   50 * time.Millisecond,
		UseCircuitBreaker:   false,
	}
}

func newTestBoundary(config Config) *Boundary {
	return New("linear", config, nil, log.NewNop())
}

func TestBoundary_SuccessPassesThrough(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())

	result, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)

	stats := bound.Status().Stats
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, int64(1), stats.SuccessfulExecutions)
}

func TestBoundary_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())

	var calls atomic.Int64

	result, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}

		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, int64(3), calls.Load())

	stats := bound.Status().Stats
	assert.GreaterOrEqual(t, stats.RetriedExecutions, int64(1))
	assert.Equal(t, int64(1), stats.SuccessfulExecutions)
}

func TestBoundary_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())

	var calls atomic.Int64

	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("validation failed: bad payload")
	})

	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "validation errors must not be retried")
}

func TestBoundary_ExhaustedRetriesRunFallback(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())

	result, err := bound.Execute(context.Background(),
		func(ctx context.Context) (any, error) {
			return nil, errors.New("request timed out")
		},
		WithFallback(func(ctx context.Context) (any, error) {
			return "cached", nil
		}),
	)

	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Equal(t, int64(1), bound.Status().Stats.FallbackExecutions)
}

func TestBoundary_ExhaustedRetriesWithoutFallbackPropagates(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())

	target := errors.New("request timed out")

	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, target
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, target)
	assert.Equal(t, int64(1), bound.Status().Stats.FailedExecutions)
}

func TestBoundary_CriticalErrorIsolatesImmediately(t *testing.T) {
	t.Parallel()

	config := fastConfig()
	config.IsolationDuration = time.Minute

	bound := newTestBoundary(config)

	var calls atomic.Int64

	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("out of memory")
	})

	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "critical errors must not consume the retry budget")
	assert.True(t, bound.IsIsolated())
	assert.Equal(t, HealthIsolated, bound.Health())
}

func TestBoundary_IsolationFailsFast(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())
	bound.Isolate("manual", time.Minute)

	executed := false
	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		executed = true
		return nil, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIsolationActive)
	assert.False(t, executed)
	assert.Equal(t, int64(1), bound.Status().Stats.IsolatedRejections)
}

func TestBoundary_IsolationRunsFallback(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())
	bound.Isolate("manual", time.Minute)

	result, err := bound.Execute(context.Background(),
		func(ctx context.Context) (any, error) { return nil, errors.New("unreachable") },
		WithFallback(func(ctx context.Context) (any, error) { return "fallback", nil }),
	)

	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}

func TestBoundary_IsolationAutoExpires(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())
	bound.Isolate("transient overload", 30*time.Millisecond)

	require.True(t, bound.IsIsolated())

	assert.Eventually(t, func() bool {
		return !bound.IsIsolated()
	}, time.Second, 5*time.Millisecond, "isolation must auto-expire")

	result, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "back", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "back", result)
}

func TestBoundary_ResetClearsIsolationAndStats(t *testing.T) {
	t.Parallel()

	bound := newTestBoundary(fastConfig())
	bound.Isolate("manual", time.Hour)

	bound.Reset()

	assert.False(t, bound.IsIsolated())
	assert.Equal(t, Stats{}, bound.Status().Stats)
	assert.Nil(t, bound.Status().LastError)

	// Idempotent.
	bound.Reset()
	assert.False(t, bound.IsIsolated())
}

func TestBoundary_TimeoutSurfacesDistinguishedError(t *testing.T) {
	t.Parallel()

	config := fastConfig()
	config.Timeout = 20 * time.Millisecond
	config.MaxRetries = 0

	bound := newTestBoundary(config)

	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestBoundary_HighSeverityTripsDelegatedBreaker(t *testing.T) {
	t.Parallel()

	breakers := circuitbreaker.NewRegistry(log.NewNop())
	breaker := breakers.GetOrCreate("linear", circuitbreaker.DefaultConfig())

	config := fastConfig()
	bound := New("linear", config, breaker, log.NewNop())

	_, err := bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("401 unauthorized: invalid token")
	})

	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(),
		"non-retryable high severity errors force the breaker open")
}

func TestBoundary_HealthDegradesWithErrors(t *testing.T) {
	t.Parallel()

	config := fastConfig()
	config.MaxRetries = 0
	config.MaxConcurrentErrors = 4

	bound := newTestBoundary(config)

	// Three failures: above half the threshold (2), below the threshold.
	for range 3 {
		_, _ = bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("request timed out")
		})
	}

	status := bound.Status()
	assert.Equal(t, HealthUnhealthy, status.Health, "an all-failure window is unhealthy")

	// A stream of successes dilutes the error rate below 50%.
	for range 8 {
		_, _ = bound.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
	}

	status = bound.Status()
	assert.Equal(t, HealthDegraded, status.Health,
		"recent errors above half the threshold keep the boundary degraded")
}

func TestBoundary_ContextCancellationAbortsRetryLoop(t *testing.T) {
	t.Parallel()

	config := fastConfig()
	config.RetryDelay = time.Minute

	bound := newTestBoundary(config)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := bound.Execute(ctx, func(c context.Context) (any, error) {
		return nil, errors.New("connection refused")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
