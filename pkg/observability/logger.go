// Package observability provides the logging, metrics, and structured
// event contracts used across the RAG core. Events describe what happened
// (retry attempts, cache hits, merges, completed queries); transports are
// out of scope and supplied by the embedding application.
package observability

import (
	"fmt"
	"log"
	"sort"
	"time"
)

// LogLevel represents logging severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Logger is the logging interface all components accept.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	// WithPrefix returns a logger scoped to a component name.
	WithPrefix(prefix string) Logger
}

// StandardLogger writes through the standard log package.
type StandardLogger struct {
	prefix string
	level  LogLevel
}

// NewStandardLogger creates a StandardLogger with the given prefix at INFO.
func NewStandardLogger(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: LogLevelInfo}
}

// NewStandardLoggerWithLevel creates a StandardLogger at the given level.
func NewStandardLoggerWithLevel(prefix string, level LogLevel) Logger {
	return &StandardLogger{prefix: prefix, level: level}
}

// ParseLogLevel maps a configuration string to a LogLevel, defaulting to INFO.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	log.Printf("%s [%s] [%s] %s%s", timestamp, level, l.prefix, msg, formatFields(fields))
}

// formatFields renders fields as deterministic key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return out
}

// Debug logs a debug message.
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message.
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message.
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message.
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// WithPrefix returns a logger scoped to the given prefix.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level}
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (n NoopLogger) WithPrefix(string) Logger           { return n }

// NewNoopLogger creates a logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }
