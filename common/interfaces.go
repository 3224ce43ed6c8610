// Package common provides shared constants, types, and utilities
// used across the Slux session daemon.
package common

// Logger defines the interface for structured logging.
// *AppLogger satisfies it; packages that forward foreign log lines
// accept a Logger so tests can capture them.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
