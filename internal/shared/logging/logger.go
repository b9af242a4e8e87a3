package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than on slog directly so tests
// can pass Nop() or a recording fake.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Options configures the process-wide handler used by component loggers.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

var (
	baseMu  sync.RWMutex
	baseLog = newBase(Options{})
)

func newBase(opts Options) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(opts.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}
	return slog.New(handler)
}

// Configure replaces the handler shared by every component logger created
// afterwards.
func Configure(opts Options) {
	base := newBase(opts)
	baseMu.Lock()
	baseLog = base
	baseMu.Unlock()
}

func currentBase() *slog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseLog
}

// ComponentLogger formats printf-style messages and emits them through slog
// with a component attribute.
type ComponentLogger struct {
	logger *slog.Logger
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &ComponentLogger{logger: currentBase().With("component", component)}
}

// WithLogID scopes logger to a request log id when the logger supports it.
func WithLogID(logger Logger, logID string) Logger {
	logger = OrNop(logger)
	if logID == "" {
		return logger
	}
	if cl, ok := logger.(*ComponentLogger); ok {
		return &ComponentLogger{logger: cl.logger.With("log_id", logID)}
	}
	return logger
}

func (l *ComponentLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *ComponentLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *ComponentLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *ComponentLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
