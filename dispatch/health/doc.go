// Package health runs registered health checks on a fixed interval,
// aggregates their results into a cached system-health snapshot, raises
// alerts on repeated failures, and keeps a windowed metrics store.
package health
