package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"github.com/rs/zerolog"
)

const ErrInvalidLogLevel = errors.ErrInvalidLogLevel

var log zerolog.Logger

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// zlogger adapts a zerolog.Logger to the Logger interface
type zlogger struct {
	l zerolog.Logger
}

// Init initializes the package logger writing human readable output to stdout
func Init(level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	// journald already timestamps every line
	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	SetLogLevel(level)
}

// New returns a JSON logger writing to out, independent of the package logger
func New(out io.Writer) Logger {
	return &zlogger{l: zerolog.New(out).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &zlogger{l: zerolog.Nop()}
}

// Get returns the package logger as a Logger
func Get() Logger {
	return &zlogger{l: log}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel converts a configured level name to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(ErrInvalidLogLevel, name)
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// WithLevel logs a message at the given level
func WithLevel(level LogLevel) *LogEvent {
	return &LogEvent{log.WithLevel(zerolog.Level(level))}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

func (z *zlogger) Debug() *LogEvent {
	return &LogEvent{z.l.Debug()}
}

func (z *zlogger) Info() *LogEvent {
	return &LogEvent{z.l.Info()}
}

func (z *zlogger) Warn() *LogEvent {
	return &LogEvent{z.l.Warn()}
}

func (z *zlogger) Error() *LogEvent {
	return &LogEvent{z.l.Error()}
}

func (z *zlogger) WithLevel(level LogLevel) *LogEvent {
	return &LogEvent{z.l.WithLevel(zerolog.Level(level))}
}

func (z *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(z.l.Error(), err)
}

func (z *zlogger) ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	e := withCode(z.l.Error(), err)
	e.Str("component", component).Str("operation", operation)
	return e
}

func (z *zlogger) With(key, value string) Logger {
	return &zlogger{l: z.l.With().Str(key, value).Logger()}
}
