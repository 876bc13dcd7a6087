package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type fieldsKey struct{}

// fields are the request attributes every log line of a command carries.
type fields struct {
	requestID string
	principal string
}

func fieldsFrom(ctx context.Context) fields {
	if ctx == nil {
		return fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func withFields(ctx context.Context, update func(*fields)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	f := fieldsFrom(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// NormalizeRequestID keeps a client-supplied UUIDv4 and replaces anything else.
func NormalizeRequestID(value string) string {
	if parsed, err := uuid.Parse(value); err == nil && parsed.Version() == 4 {
		return value
	}
	return uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withFields(ctx, func(f *fields) { f.requestID = requestID })
}

// WithPrincipal records the acting user so that service logs name them.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return withFields(ctx, func(f *fields) { f.principal = principal })
}

func RequestID(ctx context.Context) string {
	return fieldsFrom(ctx).requestID
}

func Principal(ctx context.Context) string {
	return fieldsFrom(ctx).principal
}

// FromContext returns the default logger with the request attributes of ctx.
func FromContext(ctx context.Context) *slog.Logger {
	f := fieldsFrom(ctx)
	logger := slog.Default()
	if f.requestID != "" {
		logger = logger.With("request_id", f.requestID)
	}
	if f.principal != "" {
		logger = logger.With("principal", f.principal)
	}
	return logger
}

func WithComponent(ctx context.Context, component string) *slog.Logger {
	return FromContext(ctx).With("component", component)
}
