package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Environment variables read when building the process logger.
const (
	LogLevelEnv  = "STREAMSIM_LOG_LEVEL"
	LogFormatEnv = "STREAMSIM_LOG_FORMAT"
)

// NewLogger creates the process logger. Records are JSON on stdout unless
// STREAMSIM_LOG_FORMAT is "text", and carry trace_id and span_id whenever
// the context passed to a *Context method holds a span.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, level, os.Getenv(LogFormatEnv))
}

// NewLoggerTo is NewLogger writing to w in the given format (json or text).
func NewLoggerTo(w io.Writer, component string, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(traceHandler{h}).With("component", component)
}

// WithTraceContext returns logger with span ids added from the record
// context. It is a no-op for loggers built by NewLogger.
func WithTraceContext(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := logger.Handler().(traceHandler); ok {
		return logger
	}
	return slog.New(traceHandler{logger.Handler()})
}

// traceHandler adds the ids of the span in the record context.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// ParseLogLevel parses debug, info, warn or error, case-insensitively.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// GetLogLevel returns the level from the -log-level flag, falling back to
// STREAMSIM_LOG_LEVEL.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	return ParseLogLevel(os.Getenv(LogLevelEnv))
}
