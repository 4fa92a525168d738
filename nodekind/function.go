package nodekind

import (
	"context"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/scope"
)

// Func is the signature a function-kind node implements: read whatever it
// needs from sc, compute, and return the values to write to its declared
// outputs.
type Func func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error)

// FunctionHandler dispatches KindFunction nodes to a plain Go function
// looked up by node ID, generalizing the engine's NodeFunc adapter to the
// registry-based dispatch this runtime uses in place of reflection.
type FunctionHandler struct {
	fns map[string]Func
}

// NewFunctionHandler builds a FunctionHandler from a node-ID -> Func map.
func NewFunctionHandler(fns map[string]Func) *FunctionHandler {
	return &FunctionHandler{fns: fns}
}

func (h *FunctionHandler) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	fn, ok := h.fns[node.ID]
	if !ok {
		return Failure(&Error{NodeID: node.ID, Message: "no function bound to this node id"})
	}
	outputs, err := fn(ctx, sc)
	if err != nil {
		return Failure(err)
	}
	return Success(outputs)
}
