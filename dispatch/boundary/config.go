package boundary

import (
	"time"

	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
)

// Config holds error boundary configuration for one target.
type Config struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int

	// RetryDelay is the base delay before the first retry; subsequent
	// retries back off exponentially with up to 10% jitter.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backed-off delay. Zero means no cap.
	MaxRetryDelay time.Duration

	// Timeout bounds each protected attempt.
	Timeout time.Duration

	// ErrorWindow bounds the rolling window used for error-rate and
	// recent-error computations.
	ErrorWindow time.Duration

	// MaxConcurrentErrors is the recent-error count at which the boundary
	// reports unhealthy; half of it reports degraded.
	MaxConcurrentErrors int

	// IsolationDuration is the default auto-expiry for isolation.
	IsolationDuration time.Duration

	// UseCircuitBreaker routes protected calls through a circuit breaker.
	UseCircuitBreaker bool

	// Breaker configures the delegated circuit breaker when enabled.
	Breaker circuitbreaker.Config
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}

	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}

	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}

	if c.ErrorWindow <= 0 {
		c.ErrorWindow = def.ErrorWindow
	}

	if c.MaxConcurrentErrors <= 0 {
		c.MaxConcurrentErrors = def.MaxConcurrentErrors
	}

	if c.IsolationDuration <= 0 {
		c.IsolationDuration = def.IsolationDuration
	}

	return c
}

// DefaultConfig provides balanced boundary settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		MaxRetryDelay:       30 * time.Second,
		Timeout:             30 * time.Second,
		ErrorWindow:         time.Minute,
		MaxConcurrentErrors: 5,
		IsolationDuration:   5 * time.Minute,
		UseCircuitBreaker:   true,
		Breaker:             circuitbreaker.DefaultConfig(),
	}
}
