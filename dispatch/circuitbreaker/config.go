package circuitbreaker

import "time"

// Config holds circuit breaker configuration for one target.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker while closed.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes that closes
	// the breaker while half-open.
	SuccessThreshold int

	// Timeout is how long an open breaker rejects calls before allowing a
	// half-open probe.
	Timeout time.Duration

	// MonitoringPeriod bounds the rolling outcome window used for rate
	// calculations.
	MonitoringPeriod time.Duration

	// SlowCallThreshold marks a call as slow when its duration reaches this
	// value, regardless of outcome.
	SlowCallThreshold time.Duration

	// SlowCallRateThreshold opens the breaker when the rolling slow-call
	// rate reaches this fraction (e.g. 0.5 for 50%).
	SlowCallRateThreshold float64

	// MinimumThroughput is the minimum number of calls in the rolling window
	// before rate-based conditions are evaluated.
	MinimumThroughput int

	// CallTimeout bounds each protected call. Zero disables the per-call
	// timeout.
	CallTimeout time.Duration

	// FailureRateThreshold opens the breaker when the rolling failure rate
	// reaches this fraction and the window has enough throughput. Defaults
	// to 0.5 when unset.
	FailureRateThreshold float64
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}

	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}

	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = def.MonitoringPeriod
	}

	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = def.SlowCallThreshold
	}

	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = def.SlowCallRateThreshold
	}

	if c.MinimumThroughput <= 0 {
		c.MinimumThroughput = def.MinimumThroughput
	}

	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}

	return c
}

// DefaultConfig provides balanced settings for most targets.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               30 * time.Second,
		MonitoringPeriod:      60 * time.Second,
		SlowCallThreshold:     5 * time.Second,
		SlowCallRateThreshold: 0.5,
		MinimumThroughput:     10,
		CallTimeout:           30 * time.Second,
		FailureRateThreshold:  0.5,
	}
}

// AggressiveConfig for targets requiring fast failure detection.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold:      3,
		SuccessThreshold:      2,
		Timeout:               10 * time.Second,
		MonitoringPeriod:      30 * time.Second,
		SlowCallThreshold:     2 * time.Second,
		SlowCallRateThreshold: 0.4,
		MinimumThroughput:     5,
		CallTimeout:           10 * time.Second,
		FailureRateThreshold:  0.4,
	}
}

// ConservativeConfig for targets that should tolerate more failures.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold:      10,
		SuccessThreshold:      3,
		Timeout:               2 * time.Minute,
		MonitoringPeriod:      5 * time.Minute,
		SlowCallThreshold:     15 * time.Second,
		SlowCallRateThreshold: 0.6,
		MinimumThroughput:     20,
		CallTimeout:           60 * time.Second,
		FailureRateThreshold:  0.6,
	}
}
