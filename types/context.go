package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID    contextKey = "trace_id"
	keyRunID      contextKey = "run_id"
	keyOperatorID contextKey = "operator_id"
	keyHandoffID  contextKey = "handoff_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRunID adds the automation run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts the automation run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithOperatorID adds the authenticated operator to context.
func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, keyOperatorID, operatorID)
}

// OperatorID extracts the authenticated operator from context.
func OperatorID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOperatorID).(string)
	return v, ok && v != ""
}

// WithHandoffID adds a handoff request ID to context.
func WithHandoffID(ctx context.Context, handoffID string) context.Context {
	return context.WithValue(ctx, keyHandoffID, handoffID)
}

// HandoffID extracts a handoff request ID from context.
func HandoffID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyHandoffID).(string)
	return v, ok && v != ""
}
