package logger

import "codeberg.org/mutker/hwmonitor/internal/errors"

// Logger defines the interface for logging operations.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	// WithLevel starts an event at a level chosen at runtime.
	WithLevel(level LogLevel) *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	ErrorWithContext(err errors.Error, component, operation string) *LogEvent
	// With returns a child logger that adds key=value to every entry.
	With(key, value string) Logger
}
