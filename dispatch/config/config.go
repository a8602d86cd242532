// Package config loads dispatch.Config from a config file and environment
// variables using viper. Unset keys fall back to each component's defaults.
//
// File keys are case-insensitive and dotted ("breaker.failureThreshold");
// environment variables use the DISPATCH_ prefix with underscores
// (DISPATCH_BREAKER_FAILURETHRESHOLD). Durations accept Go duration strings
// ("30s", "5m").
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	dispatch "github.com/taskmesh/lib-dispatch"
	"github.com/taskmesh/lib-dispatch/dispatch/boundary"
	"github.com/taskmesh/lib-dispatch/dispatch/bus"
	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
	"github.com/taskmesh/lib-dispatch/dispatch/health"
	"github.com/taskmesh/lib-dispatch/dispatch/recovery"
)

const envPrefix = "DISPATCH"

// Load reads the config file at path (optional; empty skips file loading),
// applies DISPATCH_* environment overrides, and unmarshals the result.
func Load(path string) (dispatch.Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return dispatch.Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg dispatch.Config

	if err := v.Unmarshal(&cfg); err != nil {
		return dispatch.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults seeds viper with each component's defaults so partial files
// and environments yield a complete configuration.
func setDefaults(v *viper.Viper) {
	breaker := circuitbreaker.DefaultConfig()
	v.SetDefault("breaker.failureThreshold", breaker.FailureThreshold)
	v.SetDefault("breaker.successThreshold", breaker.SuccessThreshold)
	v.SetDefault("breaker.timeout", breaker.Timeout)
	v.SetDefault("breaker.monitoringPeriod", breaker.MonitoringPeriod)
	v.SetDefault("breaker.slowCallThreshold", breaker.SlowCallThreshold)
	v.SetDefault("breaker.slowCallRateThreshold", breaker.SlowCallRateThreshold)
	v.SetDefault("breaker.minimumThroughput", breaker.MinimumThroughput)
	v.SetDefault("breaker.callTimeout", breaker.CallTimeout)
	v.SetDefault("breaker.failureRateThreshold", breaker.FailureRateThreshold)

	bnd := boundary.DefaultConfig()
	v.SetDefault("boundary.maxRetries", bnd.MaxRetries)
	v.SetDefault("boundary.retryDelay", bnd.RetryDelay)
	v.SetDefault("boundary.maxRetryDelay", bnd.MaxRetryDelay)
	v.SetDefault("boundary.timeout", bnd.Timeout)
	v.SetDefault("boundary.errorWindow", bnd.ErrorWindow)
	v.SetDefault("boundary.maxConcurrentErrors", bnd.MaxConcurrentErrors)
	v.SetDefault("boundary.isolationDuration", bnd.IsolationDuration)
	v.SetDefault("boundary.useCircuitBreaker", bnd.UseCircuitBreaker)

	hlth := health.DefaultConfig()
	v.SetDefault("health.checkInterval", hlth.CheckInterval)
	v.SetDefault("health.checkTimeout", hlth.CheckTimeout)
	v.SetDefault("health.alertThreshold", hlth.AlertThreshold)
	v.SetDefault("health.cacheTTL", hlth.CacheTTL)
	v.SetDefault("health.retentionPeriod", hlth.RetentionPeriod)
	v.SetDefault("health.maxAlerts", hlth.MaxAlerts)

	rec := recovery.DefaultConfig()
	v.SetDefault("recovery.maxRecoveryAttempts", rec.MaxRecoveryAttempts)
	v.SetDefault("recovery.recoveryInterval", rec.RecoveryInterval)
	v.SetDefault("recovery.escalationThreshold", rec.EscalationThreshold)
	v.SetDefault("recovery.backoffMultiplier", rec.BackoffMultiplier)
	v.SetDefault("recovery.maxBackoffDelay", rec.MaxBackoffDelay)
	v.SetDefault("recovery.strategyTimeout", rec.StrategyTimeout)

	b := bus.DefaultConfig()
	v.SetDefault("bus.maxConcurrentHandlers", b.MaxConcurrentHandlers)
	v.SetDefault("bus.handlerTimeout", b.HandlerTimeout)
	v.SetDefault("bus.enableBatching", b.EnableBatching)
	v.SetDefault("bus.batchSize", b.BatchSize)
	v.SetDefault("bus.batchTimeout", b.BatchTimeout)
	v.SetDefault("bus.bulkEventTypes", b.BulkEventTypes)
	v.SetDefault("bus.useErrorBoundary", b.UseErrorBoundary)
}
