package log

import (
	"fmt"
	"strings"
)

// Logger is the logging interface consumed by every dispatch component.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)

	// WithFields returns a child logger with key/value pairs attached to
	// every subsequent entry.
	WithFields(fields ...any) Logger

	// Sync flushes any buffered log entries.
	Sync() error
}

// Level represents the severity of a log entry. Higher numeric values are
// more verbose: a logger at InfoLevel emits Error, Warn and Info entries
// and suppresses Debug.
type Level uint8

const (
	ErrorLevel Level = iota
	WarnLevel
	InfoLevel
	DebugLevel
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel takes a string level and returns the Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid Level: %q", lvl)
}
