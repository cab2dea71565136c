package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/internal/redact"
)

// ContextKey is the type used for correlation IDs stored in a context.
type ContextKey string

const (
	// RequestIDKey is the context key for HTTP request IDs.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the context key for engagement session IDs.
	SessionIDKey ContextKey = "session_id"

	// TaskIDKey is the context key for tool task IDs.
	TaskIDKey ContextKey = "task_id"
)

// correlationKeys are lifted from the context into every log record.
var correlationKeys = []ContextKey{RequestIDKey, SessionIDKey, TaskIDKey}

// AddRequestID returns a context carrying the given request ID.
func AddRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID retrieves the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// AddSessionID returns a context carrying the given session ID.
func AddSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// GetSessionID retrieves the session ID from the context, or "".
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// AddTaskID returns a context carrying the given task ID.
func AddTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TaskIDKey, id)
}

// GetTaskID retrieves the task ID from the context, or "".
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	// Defaults to info.
	Level string

	// Format selects the handler: "json" (default) or "text".
	Format string

	// Output is the destination writer. Defaults to os.Stdout.
	Output io.Writer

	// AddSource includes the caller file:line in each record.
	AddSource bool
}

// NewLogger builds a slog.Logger whose records pass through credential
// redaction before reaching the underlying handler. Messages, string
// attributes, and error attributes are scrubbed with the same rules
// applied to tool output, and any correlation IDs present on the call's
// context appear as attributes on the record.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var inner slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		inner = slog.NewTextHandler(out, opts)
	default:
		inner = slog.NewJSONHandler(out, opts)
	}

	return slog.New(redactHandler{inner: inner})
}

// LogLevelFromString converts a level name to a slog.Level.
// Unrecognized values fall back to info.
func LogLevelFromString(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// redactHandler scrubs credentials from records before delegating to the
// wrapped handler, and appends correlation IDs found on the context.
type redactHandler struct {
	inner slog.Handler
}

func (h redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, redact.Output(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	if ctx != nil {
		for _, key := range correlationKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				out.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.inner.Handle(ctx, out)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a)
	}
	return redactHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{inner: h.inner.WithGroup(name)}
}

// redactAttr scrubs string and error values, recursing into groups.
// Non-string kinds (ints, bools, durations) pass through untouched.
func redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact.Output(v.String()))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, g := range group {
			scrubbed[i] = redactAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, redact.Output(err.Error()))
		}
	}
	return a
}
