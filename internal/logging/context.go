package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey      struct{}
	conversationCtxKey struct{}
)

// WithConversationID stores the conversation being handled.
func WithConversationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, conversationCtxKey{}, id)
}

// WithRequestID stores the request ID for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the stored request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, _ := ctx.Value(conversationCtxKey{}).(string); id != "" {
		fields = append(fields, zap.String("conversation_id", id))
	}
	return fields
}

// For returns logger annotated with the correlation fields in ctx.
func For(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if fields := ContextFields(ctx); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}
