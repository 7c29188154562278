package logging

import (
	"log/slog"
)

// Logger defines the minimal logging interface used across the module.
// Arguments follow slog's alternating key/value convention.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// NoOpLogger discards all messages. It is the default for every component so
// constructing without a logger never panics.
type NoOpLogger struct{}

// Debug discards the message.
func (NoOpLogger) Debug(msg string, args ...any) {}

// Info discards the message.
func (NoOpLogger) Info(msg string, args ...any) {}

// Warn discards the message.
func (NoOpLogger) Warn(msg string, args ...any) {}

// Error discards the message.
func (NoOpLogger) Error(msg string, args ...any) {}
