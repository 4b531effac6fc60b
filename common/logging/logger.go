package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	entryIDKey  = contextKey("stream-entry-id")
	consumerKey = contextKey("consumer-id")
)

// Logger wraps slog.Logger with context-aware helpers.
// Stream entry and consumer identities stored on the context are added to every record.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stdout.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns the process-wide logger.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// WithEntryID stores a stream entry id on ctx.
func WithEntryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entryIDKey, id)
}

// WithConsumer stores the consumer identity on ctx.
func WithConsumer(ctx context.Context, consumer string) context.Context {
	return context.WithValue(ctx, consumerKey, consumer)
}

// EntryID returns the stream entry id stored on ctx, or "".
func EntryID(ctx context.Context) string {
	if id, ok := ctx.Value(entryIDKey).(string); ok {
		return id
	}
	return ""
}

// Consumer returns the consumer identity stored on ctx, or "".
func Consumer(ctx context.Context) string {
	if c, ok := ctx.Value(consumerKey).(string); ok {
		return c
	}
	return ""
}

// WithContext returns a logger carrying the identities found on ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.Logger
	if c := Consumer(ctx); c != "" {
		logger = logger.With(slog.String(FieldConsumer, c))
	}
	if id := EntryID(ctx); id != "" {
		logger = logger.With(slog.String(FieldStreamID, id))
	}
	return logger
}

// InfoContext logs at Info level with context-aware fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).InfoContext(ctx, msg, args...)
}

// WarnContext logs at Warn level with context-aware fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).WarnContext(ctx, msg, args...)
}

// ErrorContext logs at Error level with context-aware fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).ErrorContext(ctx, msg, args...)
}

// DebugContext logs at Debug level with context-aware fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).DebugContext(ctx, msg, args...)
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a new logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error". Anything else is Info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the application.
// This affects both slog.Default() and log package functions.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}
