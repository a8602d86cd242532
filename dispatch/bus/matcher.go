package bus

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned when a subscription pattern cannot be
// compiled.
var ErrInvalidPattern = errors.New("invalid event pattern")

type matchKind int

const (
	matchExact matchKind = iota
	matchAll
	matchPrefix
)

// matcher is a subscription pattern compiled at registration time. Supported
// forms are an exact event type ("task:created"), the global wildcard "*",
// and a trailing prefix wildcard ("task:*").
type matcher struct {
	kind  matchKind
	value string
}

func compilePattern(pattern string) (matcher, error) {
	if pattern == "" {
		return matcher{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	if pattern == "*" {
		return matcher{kind: matchAll}, nil
	}

	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.Contains(prefix, "*") {
			return matcher{}, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
		}

		return matcher{kind: matchPrefix, value: prefix}, nil
	}

	if strings.Contains(pattern, "*") {
		return matcher{}, fmt.Errorf("%w: wildcard only allowed as a trailing segment: %s", ErrInvalidPattern, pattern)
	}

	return matcher{kind: matchExact, value: pattern}, nil
}

func (m matcher) matches(eventType string) bool {
	switch m.kind {
	case matchAll:
		return true
	case matchPrefix:
		return strings.HasPrefix(eventType, m.value)
	default:
		return eventType == m.value
	}
}
