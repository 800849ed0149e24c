// Package logging provides structured logging for spillway.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format
//
//	// Get a component logger
//	log := logging.Component("daq")
//	log.Info("acquisition started", "producers", 2)
//
//	// Log with session context
//	ctx = logging.ContextWithSessionID(ctx, id)
//	logging.WithContext(ctx).Warn("producer stopped early", "producer", name)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// current is the global logger. Component loggers read it on every call,
// possibly while Init runs on another goroutine.
var current atomic.Pointer[slog.Logger]

var defaultOnce sync.Once

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
}

// Logger returns the global logger, installing the info-level text
// default on first use when Init was never called.
func Logger() *slog.Logger {
	return ensure()
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ensure() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	defaultOnce.Do(func() {
		l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
		if current.CompareAndSwap(nil, l) {
			slog.SetDefault(l)
		}
	})
	return current.Load()
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return ensure().With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// The returned logger forwards to whatever handler is installed at the time
// of each call, so package-level component loggers pick up a later Init.
//
// Example:
//
//	log := logging.Component("queue")
//	log.Info("stopped") // Output: time=... level=INFO msg=stopped component=queue
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// componentHandler resolves the global handler lazily.
type componentHandler struct {
	attrs []slog.Attr
	group string
}

func (h *componentHandler) target() slog.Handler {
	var inner slog.Handler = ensure().Handler()
	if h.group != "" {
		inner = inner.WithGroup(h.group)
	}
	return inner.WithAttrs(h.attrs)
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return ensure().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged, group: h.group}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &componentHandler{attrs: h.attrs, group: g}
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := ensure()

	if sessionID, ok := ctx.Value(contextKeySessionID).(string); ok {
		logger = logger.With("session_id", sessionID)
	}
	if streamID, ok := ctx.Value(contextKeyStreamID).(string); ok {
		logger = logger.With("stream", streamID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySessionID contextKey = iota
	contextKeyStreamID
)

// ContextWithSessionID adds an acquisition session ID to the context for logging.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKeySessionID, sessionID)
}

// ContextWithStreamID adds a stream ID to the context for logging.
func ContextWithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, contextKeyStreamID, streamID)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	ensure().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	ensure().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	ensure().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	ensure().Error(msg, args...)
}
