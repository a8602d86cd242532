// Package log defines the logging contract shared by all dispatch components
// and provides zap-backed and no-op implementations.
package log
