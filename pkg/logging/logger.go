// Package logging provides the leveled logger shared by every fullmoon
// component. Messages are printf-style; records are written through a
// log/slog handler so they can be emitted as text or JSON.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel defines the level of logging
type LogLevel int

const (
	// LogLevelError only shows error messages
	LogLevelError LogLevel = iota
	// LogLevelWarn shows warning and error messages
	LogLevelWarn
	// LogLevelInfo shows info and error messages
	LogLevelInfo
	// LogLevelDebug shows all messages including debug
	LogLevelDebug
	// LogLevelTrace shows all messages including trace
	LogLevelTrace
)

// slogLevelTrace sits below slog.LevelDebug so handlers filter it separately.
const slogLevelTrace = slog.Level(-8)

// String returns the lower-case name used in configuration files.
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	case LogLevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// ParseLevel converts a configuration value into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "", "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	case "trace":
		return LogLevelTrace, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelDebug:
		return slog.LevelDebug
	default:
		return slogLevelTrace
	}
}

// Logger is the interface for logging, it can be overridden by the client code
type Logger interface {
	SetLevel(level LogLevel)
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Trace(format string, v ...interface{})
}

// Options configures NewLoggerWithOptions.
type Options struct {
	Level     LogLevel
	Output    io.Writer // defaults to stderr
	JSON      bool
	Component string
}

// loggerStruct writes leveled records through a slog.Logger
type loggerStruct struct {
	mu     sync.Mutex
	level  LogLevel
	lv     *slog.LevelVar
	slog   *slog.Logger
	prefix string
}

// NewLogger creates a new text logger on stderr with the specified log level
func NewLogger(level LogLevel) *loggerStruct {
	return NewLoggerWithOptions(Options{Level: level})
}

// NewLoggerWithOptions creates a logger with an explicit output and format.
func NewLoggerWithOptions(opts Options) *loggerStruct {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(opts.Level.slogLevel())

	handlerOpts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogLevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, handlerOpts)
	} else {
		h = slog.NewTextHandler(out, handlerOpts)
	}
	l := slog.New(h)
	if opts.Component != "" {
		l = l.With("component", opts.Component)
	}
	return &loggerStruct{level: opts.Level, lv: lv, slog: l}
}

func (l *loggerStruct) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.lv.Set(level.slogLevel())
}

// Level returns the current level.
func (l *loggerStruct) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *loggerStruct) log(level slog.Level, format string, v ...interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, fmt.Sprintf(format, v...))
}

// Error messages are always shown
func (l *loggerStruct) Error(format string, v ...interface{}) {
	l.log(slog.LevelError, format, v...)
}

// Warn logs a warning message if the log level is Warn or higher
func (l *loggerStruct) Warn(format string, v ...interface{}) {
	l.log(slog.LevelWarn, format, v...)
}

func (l *loggerStruct) Info(format string, v ...interface{}) {
	l.log(slog.LevelInfo, format, v...)
}

func (l *loggerStruct) Debug(format string, v ...interface{}) {
	l.log(slog.LevelDebug, format, v...)
}

func (l *loggerStruct) Trace(format string, v ...interface{}) {
	l.log(slogLevelTrace, format, v...)
}

// Default returns the logger components fall back to when given nil.
func Default() Logger {
	return NewLogger(LogLevelError)
}

// OrDefault returns logger, or Default() when logger is nil.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return Default()
	}
	return logger
}

type nopLogger struct{}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) SetLevel(LogLevel)             {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Trace(string, ...interface{}) {}
