package nodekind

import "errors"

// ErrLLMError marks a failure from the model collaborator itself, distinct
// from a failure in a tool call the model asked for — stream classifies
// these into `LLMError`/`ToolError` result kinds.
var ErrLLMError = errors.New("nodekind: llm collaborator failed")

// ErrToolError marks a failure raised by a tool call requested by an
// llm-kind node's model response.
var ErrToolError = errors.New("nodekind: tool call failed")

// LLMError wraps a llmprovider.ChatModel failure so errors.Is(err,
// ErrLLMError) succeeds while still preserving the underlying cause.
type LLMError struct {
	NodeID string
	Cause  error
}

func (e *LLMError) Error() string { return "nodekind: node " + e.NodeID + ": llm call failed: " + e.Cause.Error() }
func (e *LLMError) Unwrap() error { return e.Cause }
func (e *LLMError) Is(target error) bool { return target == ErrLLMError }

// ToolError wraps a toolcall.Tool failure encountered while an llm-kind
// node was resolving a model-requested tool call.
type ToolError struct {
	NodeID   string
	ToolName string
	Cause    error
}

func (e *ToolError) Error() string {
	return "nodekind: node " + e.NodeID + ": tool " + e.ToolName + " failed: " + e.Cause.Error()
}
func (e *ToolError) Unwrap() error     { return e.Cause }
func (e *ToolError) Is(target error) bool { return target == ErrToolError }
