package boundary

import (
	"context"
	"errors"
	"strings"

	"github.com/taskmesh/lib-dispatch/dispatch/circuitbreaker"
)

// Category buckets an error by its root cause.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryRateLimit      Category = "rate_limit"
	CategoryValidation     Category = "validation"
	CategoryResource       Category = "resource"
	CategoryExternal       Category = "external"
	CategoryUnknown        Category = "unknown"
)

// Severity grades how dangerous an error is to the host.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the deterministic verdict for one error.
type Classification struct {
	Category  Category
	Severity  Severity
	Retryable bool
}

// classifyRule maps message substrings to a classification. Rules are
// evaluated in order; the first match wins.
type classifyRule struct {
	keywords []string
	class    Classification
}

var classifyRules = []classifyRule{
	{
		keywords: []string{"out of memory", "resource exhausted", "too many open files", "quota exceeded", "disk full"},
		class:    Classification{Category: CategoryResource, Severity: SeverityCritical, Retryable: false},
	},
	{
		keywords: []string{"rate limit", "too many requests", "429"},
		class:    Classification{Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true},
	},
	{
		keywords: []string{"timeout", "timed out", "deadline exceeded"},
		class:    Classification{Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true},
	},
	{
		keywords: []string{"connection refused", "connection reset", "no such host", "network", "econnrefused", "broken pipe", "eof"},
		class:    Classification{Category: CategoryNetwork, Severity: SeverityHigh, Retryable: true},
	},
	{
		keywords: []string{"unauthorized", "invalid token", "invalid api key", "authentication", "401"},
		class:    Classification{Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false},
	},
	{
		keywords: []string{"forbidden", "permission denied", "access denied", "403"},
		class:    Classification{Category: CategoryAuthorization, Severity: SeverityHigh, Retryable: false},
	},
	{
		keywords: []string{"validation", "invalid payload", "invalid argument", "malformed", "400"},
		class:    Classification{Category: CategoryValidation, Severity: SeverityLow, Retryable: false},
	},
	{
		keywords: []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "upstream"},
		class:    Classification{Category: CategoryExternal, Severity: SeverityHigh, Retryable: true},
	},
}

// Classify derives category, severity, and retryability from an error. Typed
// sentinels are checked before message matching so wrapped errors classify
// correctly regardless of their text.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow, Retryable: false}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrExecutionTimeout), errors.Is(err, circuitbreaker.ErrCallTimeout):
		return Classification{Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return Classification{Category: CategoryExternal, Severity: SeverityHigh, Retryable: true}
	}

	message := strings.ToLower(err.Error())

	for _, rule := range classifyRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(message, keyword) {
				return rule.class
			}
		}
	}

	return Classification{Category: CategoryUnknown, Severity: SeverityMedium, Retryable: false}
}

// Strategy names the repair action chosen after a failure.
type Strategy string

const (
	StrategyRetry        Strategy = "retry"
	StrategyFallback     Strategy = "fallback"
	StrategyCircuitBreak Strategy = "circuit_break"
	StrategyIsolate      Strategy = "isolate"
)

// selectStrategy picks the recovery strategy for a failed attempt.
// retriesLeft counts the attempts still available after this one.
func selectStrategy(class Classification, retriesLeft int) Strategy {
	if class.Severity == SeverityCritical {
		return StrategyIsolate
	}

	if !class.Retryable && class.Severity == SeverityHigh {
		return StrategyCircuitBreak
	}

	if class.Retryable && retriesLeft > 0 {
		return StrategyRetry
	}

	// Retries exhausted (or error not retryable).
	if class.Severity == SeverityHigh {
		return StrategyCircuitBreak
	}

	return StrategyFallback
}
