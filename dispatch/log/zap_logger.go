package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is the zap-backed implementation of the Logger interface.
//
// All string arguments are sanitized to prevent log injection (CWE-117).
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// Compile-time assertion: *ZapLogger implements Logger.
var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a production zap logger at the given level.
func NewZapLogger(level Level) (*ZapLogger, error) {
	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &ZapLogger{sugar: logger.Sugar(), level: atomicLevel}, nil
}

// NewZapLoggerFromZap wraps an existing zap logger, useful when the host
// application already owns a configured zap instance.
func NewZapLoggerFromZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ZapLogger{
		sugar: logger.Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
}

// SetLevel changes the logger's verbosity at runtime.
func (l *ZapLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *ZapLogger) must() *zap.SugaredLogger {
	if l == nil || l.sugar == nil {
		return zap.NewNop().Sugar()
	}

	return l.sugar
}

// Debug implements Logger.
func (l *ZapLogger) Debug(args ...any) { l.must().Debug(sanitizeLogArgs(args)...) }

// Debugf implements Logger.
func (l *ZapLogger) Debugf(format string, args ...any) {
	l.must().Debugf(sanitizeLogString(format), args...)
}

// Info implements Logger.
func (l *ZapLogger) Info(args ...any) { l.must().Info(sanitizeLogArgs(args)...) }

// Infof implements Logger.
func (l *ZapLogger) Infof(format string, args ...any) {
	l.must().Infof(sanitizeLogString(format), args...)
}

// Warn implements Logger.
func (l *ZapLogger) Warn(args ...any) { l.must().Warn(sanitizeLogArgs(args)...) }

// Warnf implements Logger.
func (l *ZapLogger) Warnf(format string, args ...any) {
	l.must().Warnf(sanitizeLogString(format), args...)
}

// Error implements Logger.
func (l *ZapLogger) Error(args ...any) { l.must().Error(sanitizeLogArgs(args)...) }

// Errorf implements Logger.
func (l *ZapLogger) Errorf(format string, args ...any) {
	l.must().Errorf(sanitizeLogString(format), args...)
}

// WithFields implements Logger.
//
//nolint:ireturn
func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{
		sugar: l.must().With(sanitizeLogArgs(fields)...),
		level: l.level,
	}
}

// Sync implements Logger.
func (l *ZapLogger) Sync() error {
	return l.must().Sync()
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
