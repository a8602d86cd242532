package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/recovery"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, circuitbreaker.DefaultConfig().FailureThreshold, cfg.Breaker.FailureThreshold)
	assert.Equal(t, recovery.DefaultConfig().BackoffMultiplier, cfg.Recovery.BackoffMultiplier)
	assert.Equal(t, 5, cfg.Bus.MaxConcurrentHandlers)
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()

	content := `
breaker:
  failureThreshold: 7
  timeout: 45s
boundary:
  maxRetries: 5
  useCircuitBreaker: true
health:
  checkInterval: 10s
recovery:
  backoffMultiplier: 3.5
bus:
  maxConcurrentHandlers: 12
  enableBatching: true
  bulkEventTypes:
    - task:bulk
    - issue:bulk
`

	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 5, cfg.Boundary.MaxRetries)
	assert.True(t, cfg.Boundary.UseCircuitBreaker)
	assert.Equal(t, 10*time.Second, cfg.Health.CheckInterval)
	assert.InDelta(t, 3.5, cfg.Recovery.BackoffMultiplier, 0.001)
	assert.Equal(t, 12, cfg.Bus.MaxConcurrentHandlers)
	assert.True(t, cfg.Bus.EnableBatching)
	assert.Equal(t, []string{"task:bulk", "issue:bulk"}, cfg.Bus.BulkEventTypes)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, circuitbreaker.DefaultConfig().SuccessThreshold, cfg.Breaker.SuccessThreshold)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("DISPATCH_BREAKER_FAILURETHRESHOLD", "9")
	t.Setenv("DISPATCH_BUS_HANDLERTIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Second, cfg.Bus.HandlerTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
