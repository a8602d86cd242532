// Package boundary implements per-target error boundaries: retry with
// exponential backoff and jitter, deterministic error classification,
// recovery-strategy selection, fallback execution, and bounded isolation
// with automatic expiry. A boundary optionally delegates each protected
// call to a circuit breaker.
package boundary
