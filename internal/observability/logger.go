// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger atomic.Pointer[loggerBox]

type loggerBox struct {
	logger Logger
}

func init() {
	defaultLogger.Store(&loggerBox{logger: NewStdLogger("")})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerBox{logger: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines through the standard library logger.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger constructs a logger with the given prefix writing to stdout.
// Debug lines are emitted only when STRIKELINE_DEBUG is set.
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{
		inner: log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds),
		debug: strings.TrimSpace(os.Getenv("STRIKELINE_DEBUG")) != "",
	}
}

// Debug logs a debug line when debug logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || !l.debug {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info logs an informational line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.emit("INFO", msg, fields)
}

// Warn logs a warning line.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.emit("WARN", msg, fields)
}

// Error logs an error line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil {
		return
	}
	l.emit("ERROR", msg, fields)
}

func (l *StdLogger) emit(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(formatValue(f.Value))
	}
	l.inner.Print(b.String())
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		if strings.ContainsAny(t, " \t\"") {
			return fmt.Sprintf("%q", t)
		}
		return t
	case error:
		return fmt.Sprintf("%q", t.Error())
	default:
		return fmt.Sprintf("%v", t)
	}
}
