// Package logging provides the leveled key=value logger used across crowdqc.
// Every pipeline component takes a *Logger; nil means the package default.
package logging

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is for per-item decisions (skipped votes, ignored tasks).
	LevelDebug Level = iota
	// LevelInfo is for per-cycle summaries.
	LevelInfo
	// LevelWarn is for malformed input and recoverable errors.
	LevelWarn
	// LevelError is for failed cycles.
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// String returns the upper-case level name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel parses a case-insensitive level name. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger writes leveled messages with key=value context.
// Child loggers created by With share the parent's level and output.
type Logger struct {
	core   *core
	fields map[string]interface{}
}

type core struct {
	mu       sync.RWMutex
	minLevel Level
	output   *log.Logger
}

var defaultLogger = New()

// New creates a Logger at info level writing to stderr.
func New() *Logger {
	return &Logger{
		core: &core{
			minLevel: LevelInfo,
			output:   log.New(os.Stderr, "", log.LstdFlags),
		},
		fields: map[string]interface{}{},
	}
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// OrDefault returns l, or the package default when l is nil.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}

// SetLevel sets the minimum level for this logger and its children.
func (l *Logger) SetLevel(level Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.minLevel = level
}

// SetOutput replaces the destination for this logger and its children.
func (l *Logger) SetOutput(output *log.Logger) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.output = output
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return level >= l.core.minLevel
}

// With returns a child logger with one more context field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a child logger with additional context fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{core: l.core, fields: merged}
}

func (l *Logger) log(level Level, msg string, keyVals ...interface{}) {
	l.core.mu.RLock()
	minLevel := l.core.minLevel
	output := l.core.output
	l.core.mu.RUnlock()

	if level < minLevel {
		return
	}

	all := make(map[string]interface{}, len(l.fields)+len(keyVals)/2)
	for k, v := range l.fields {
		all[k] = v
	}
	for i := 0; i+1 < len(keyVals); i += 2 {
		if key, ok := keyVals[i].(string); ok {
			all[key] = keyVals[i+1]
		}
	}

	var sb strings.Builder
	sb.WriteString(level.String())
	sb.WriteString(": ")
	sb.WriteString(msg)

	if len(all) > 0 {
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" |")
		for _, k := range keys {
			sb.WriteString(" ")
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(formatValue(all[k]))
		}
	}

	output.Print(sb.String())
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if val == "" || strings.ContainsAny(val, " \t\n\"=") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		return fmt.Sprintf("%q", val.Error())
	case fmt.Stringer:
		return formatValue(val.String())
	default:
		return fmt.Sprint(v)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyVals ...interface{}) {
	l.log(LevelDebug, msg, keyVals...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyVals ...interface{}) {
	l.log(LevelInfo, msg, keyVals...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyVals ...interface{}) {
	l.log(LevelWarn, msg, keyVals...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, keyVals ...interface{}) {
	l.log(LevelError, msg, keyVals...)
}

// SetLevel sets the minimum level of the default logger.
func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// SetOutput sets the output of the default logger.
func SetOutput(output *log.Logger) {
	defaultLogger.SetOutput(output)
}

// With returns a child of the default logger.
func With(key string, value interface{}) *Logger {
	return defaultLogger.With(key, value)
}

// Info logs at info level using the default logger.
func Info(msg string, keyVals ...interface{}) {
	defaultLogger.Info(msg, keyVals...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, keyVals ...interface{}) {
	defaultLogger.Warn(msg, keyVals...)
}

// Error logs at error level using the default logger.
func Error(msg string, keyVals ...interface{}) {
	defaultLogger.Error(msg, keyVals...)
}
