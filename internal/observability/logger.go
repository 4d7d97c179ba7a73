// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
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

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	L *log.Logger
}

// NewStdLogger wraps the provided standard logger; a nil logger uses log.Default.
func NewStdLogger(l *log.Logger) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{L: l}
}

func (s *StdLogger) Debug(msg string, fields ...Field) { s.emit("DEBUG", msg, fields) }
func (s *StdLogger) Info(msg string, fields ...Field)  { s.emit("INFO", msg, fields) }
func (s *StdLogger) Warn(msg string, fields ...Field)  { s.emit("WARN", msg, fields) }
func (s *StdLogger) Error(msg string, fields ...Field) { s.emit("ERROR", msg, fields) }

func (s *StdLogger) emit(level, msg string, fields []Field) {
	if s == nil || s.L == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.L.Print(b.String())
}
