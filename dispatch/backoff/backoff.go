// Package backoff provides exponential backoff helpers with jitter support
// for the retry loops used by the boundary and recovery components.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Multiplied calculates base * multiplier^attempt, capped at maxDelay.
// A multiplier below 1 is treated as 1 (no growth). Negative attempts are
// treated as 0. A non-positive maxDelay means no cap.
func Multiplied(base time.Duration, multiplier float64, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	if multiplier < 1 {
		multiplier = 1
	}

	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}

	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// Jitter returns delay plus a random amount in [0, delay*fraction).
// A fraction of 0.1 adds up to 10% of the delay. Returns the delay
// unchanged for non-positive delays or fractions.
func Jitter(delay time.Duration, fraction float64) time.Duration {
	if delay <= 0 || fraction <= 0 {
		return delay
	}

	span := int64(float64(delay) * fraction)
	if span <= 0 {
		return delay
	}

	return delay + time.Duration(rand.Int64N(span))
}

// SleepWithContext sleeps for the specified duration but respects context
// cancellation. Returns nil if the sleep completes, or an error if the
// context is cancelled. Returns immediately for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
