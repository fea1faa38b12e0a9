package context

import "context"

type contextKey string

const (
	// CorrelationIDKey carries the id of one operator request on the status server.
	CorrelationIDKey contextKey = "correlation_id"
	// RunIDKey carries the id of the harvest run that issued a provider call.
	RunIDKey contextKey = "run_id"
)

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID returns the correlation ID, or "" when absent.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRunID tags the context with the harvest run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID returns the harvest run id, or "" when absent.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}
