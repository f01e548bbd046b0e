// Package logging builds the service's slog logger and carries per-request
// sale fields in the context. L(ctx) returns the context logger with
// request_id, sale_id and caller attached when they are set, so every line
// logged while serving a sale operation can be joined back to the sale and
// the principal that triggered it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey int

const (
	fieldsKey contextKey = iota
	loggerKey
)

// fields are the sale attributes attached by L, in output order.
type fields struct {
	requestID string
	saleID    string
	caller    string
}

// New creates the service logger writing to stdout. format is "json" or
// "text"; an unknown level falls back to info.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps LOG_LEVEL values to slog levels.
func ParseLevel(level string) slog.Level {
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

func fieldsFrom(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey).(fields)
	return f
}

func withFields(ctx context.Context, set func(*fields)) context.Context {
	f := fieldsFrom(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey, f)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withFields(ctx, func(f *fields) { f.requestID = requestID })
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) string {
	return fieldsFrom(ctx).requestID
}

// WithSaleID tags the context with the sale being operated on.
func WithSaleID(ctx context.Context, saleID string) context.Context {
	return withFields(ctx, func(f *fields) { f.saleID = saleID })
}

// SaleID extracts the sale ID from context.
func SaleID(ctx context.Context) string {
	return fieldsFrom(ctx).saleID
}

// WithCaller tags the context with the calling principal.
func WithCaller(ctx context.Context, principal string) context.Context {
	return withFields(ctx, func(f *fields) { f.caller = principal })
}

// Caller extracts the calling principal from context.
func Caller(ctx context.Context) string {
	return fieldsFrom(ctx).caller
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger with the sale fields attached.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	f := fieldsFrom(ctx)
	var attrs []any
	if f.requestID != "" {
		attrs = append(attrs, "request_id", f.requestID)
	}
	if f.saleID != "" {
		attrs = append(attrs, "sale_id", f.saleID)
	}
	if f.caller != "" {
		attrs = append(attrs, "caller", f.caller)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
