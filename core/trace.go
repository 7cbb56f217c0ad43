package core

import "context"

// The trace-id flows through the context: any ambient trace-id at the point
// a message is originated is captured into the envelope, and the mailbox
// pump installs the envelope's trace-id into the handler's context for the
// duration of the handler.

type traceKey struct{}

// WithTraceID returns a context carrying the given trace-id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the ambient trace-id, or "" when none is set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
