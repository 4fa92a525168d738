package nodekind

import "context"

// ctxKey namespaces the context values this package stashes alongside the
// executor's ctx.Context so callers from other packages cannot collide
// with it by accident.
type ctxKey int

const (
	costSinkKey ctxKey = iota
	validationFeedbackKey
)

// WithCostSink binds sink into ctx. stream.Stream binds one
// per-execution CostSink (backed by a trace.CostTracker) into the context
// it runs the executor with, and so into every node dispatch, so a single, registry-wide LLMHandler can still
// attribute spend to the right execution without being constructed fresh
// per run.
func WithCostSink(ctx context.Context, sink CostSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, costSinkKey, sink)
}

// CostSinkFromContext retrieves a CostSink bound with WithCostSink, if any.
func CostSinkFromContext(ctx context.Context) (CostSink, bool) {
	sink, ok := ctx.Value(costSinkKey).(CostSink)
	return sink, ok
}

// WithValidationFeedback binds a validator's complaint about the previous
// attempt's output into ctx before the executor re-dispatches a node
// whose output failed schema validation. A Handler that wants to repair
// its output reads this back with ValidationFeedbackFromContext.
func WithValidationFeedback(ctx context.Context, message string) context.Context {
	return context.WithValue(ctx, validationFeedbackKey, message)
}

// ValidationFeedbackFromContext retrieves the validation feedback bound
// with WithValidationFeedback, if any.
func ValidationFeedbackFromContext(ctx context.Context) (string, bool) {
	msg, ok := ctx.Value(validationFeedbackKey).(string)
	return msg, ok
}
