// Package circuitbreaker implements a per-target circuit breaker with a
// closed/open/half-open state machine driven by a rolling window of call
// outcomes, and a registry that owns one breaker per named target.
//
// Open conditions are evaluated in a fixed priority order: consecutive
// failure count, then rolling failure rate, then rolling slow-call rate.
// The first matching condition wins.
package circuitbreaker
