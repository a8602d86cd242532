// Package recovery repairs failing targets by running named strategies with
// retry, backoff, and escalation. A background loop scans circuit breakers
// for open state, error boundaries for isolation, and the health monitor for
// critical checks, triggering the matching built-in strategy.
package recovery
