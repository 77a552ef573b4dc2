// Package utils provides utility functions for the Antigravity proxy.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes, used for the human-readable console encoder.
const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorCyan    = "\033[36m"
)

// LogLevel represents the log level, kept as its own string type (rather
// than zapcore.Level) so the ring-buffer history and listener callbacks
// keep the exact shape code outside this package already depends on.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// LogListener is a function that receives log entries, used by the web UI's
// live log tail.
type LogListener func(entry LogEntry)

// Logger wraps a zap.SugaredLogger behind the call surface the rest of this
// module already depends on (Info/Success/Warn/Error/Debug taking a printf
// message plus args), while adding the bounded history buffer and listener
// fan-out the teacher's hand-rolled logger provided.
type Logger struct {
	zl *zap.SugaredLogger

	mu             sync.RWMutex
	isDebugEnabled bool
	history        []LogEntry
	maxHistory     int
	listeners      []LogListener
}

func buildZap(debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core)
}

// NewLogger creates a new Logger instance.
func NewLogger() *Logger {
	return &Logger{
		zl:         buildZap(false).Sugar(),
		maxHistory: 1000,
	}
}

// SetDebug enables or disables debug mode, rebuilding the underlying zap
// core at the new level.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isDebugEnabled = enabled
	l.zl = buildZap(enabled).Sugar()
}

// IsDebugEnabled returns whether debug mode is enabled.
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isDebugEnabled
}

// AddListener adds a log listener.
func (l *Logger) AddListener(listener LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// GetHistory returns the log history.
func (l *Logger) GetHistory() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.history))
	copy(result, l.history)
	return result
}

func (l *Logger) zapFor(level LogLevel) func(string, ...interface{}) {
	switch level {
	case LogLevelSuccess, LogLevelInfo:
		return l.zl.Infof
	case LogLevelWarn:
		return l.zl.Warnf
	case LogLevelError:
		return l.zl.Errorf
	case LogLevelDebug:
		return l.zl.Debugf
	default:
		return l.zl.Infof
	}
}

// print formats, emits via zap, and records a log message.
func (l *Logger) print(level LogLevel, message string, args ...interface{}) {
	formattedMessage := fmt.Sprintf(message, args...)

	l.mu.RLock()
	logFn := l.zapFor(level)
	l.mu.RUnlock()
	logFn(formattedMessage)

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   formattedMessage,
	}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, listener := range listeners {
		listener(entry)
	}
}

// Info logs a standard info message.
func (l *Logger) Info(message string, args ...interface{}) {
	l.print(LogLevelInfo, message, args...)
}

// Success logs a success message (no dedicated zap level, tagged SUCCESS in
// the structured history/listener stream, emitted at info level to zap).
func (l *Logger) Success(message string, args ...interface{}) {
	l.print(LogLevelSuccess, message, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, args ...interface{}) {
	l.print(LogLevelWarn, message, args...)
}

// Error logs an error message.
func (l *Logger) Error(message string, args ...interface{}) {
	l.print(LogLevelError, message, args...)
}

// Debug logs a debug message (only if debug mode is enabled).
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.IsDebugEnabled() {
		l.print(LogLevelDebug, message, args...)
	}
}

// Log prints a raw message without structured formatting, bypassing zap —
// used for one-off banner/CLI output that isn't a log line.
func (l *Logger) Log(message string, args ...interface{}) {
	fmt.Printf(message, args...)
	fmt.Println()
}

// Header prints a section header.
func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

// Sync flushes any buffered zap output; call before process exit.
func (l *Logger) Sync() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_ = l.zl.Sync()
}

// Global logger instance (singleton pattern matching the teacher's design).
var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the global logger instance.
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Convenience functions using the global logger.

func Info(message string, args ...interface{}) {
	GetLogger().Info(message, args...)
}

func Success(message string, args ...interface{}) {
	GetLogger().Success(message, args...)
}

func Warn(message string, args ...interface{}) {
	GetLogger().Warn(message, args...)
}

func Error(message string, args ...interface{}) {
	GetLogger().Error(message, args...)
}

func Debug(message string, args ...interface{}) {
	GetLogger().Debug(message, args...)
}

func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}

func IsDebug() bool {
	return GetLogger().IsDebugEnabled()
}
