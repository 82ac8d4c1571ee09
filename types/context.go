package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRunID     contextKey = "run_id"
	keyAgentName contextKey = "agent_name"
	keyParentRun contextKey = "parent_run_id"
)

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithAgentName records which agent loop is executing.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyAgentName, name)
}

// AgentName extracts the executing agent's name from context.
func AgentName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentName).(string)
	return v, ok && v != ""
}

// WithParentRunID links a delegated run to the run that started it.
func WithParentRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyParentRun, runID)
}

// ParentRunID extracts the delegating run's ID from context.
func ParentRunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyParentRun).(string)
	return v, ok && v != ""
}
