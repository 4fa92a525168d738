package nodekind

import (
	"context"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/scope"
)

// Invoker runs a nested graph execution to completion and returns its
// final outputs. It is satisfied by executor.Executor; nodekind depends
// only on this narrow interface to avoid an import cycle.
type Invoker interface {
	InvokeSubgraph(ctx context.Context, graphID string, inputs map[string]any) (map[string]any, error)
}

// SubagentHandler dispatches KindSubagent nodes by delegating to an
// Invoker, generalizing the idea of executeParallel's nested branch
// execution to a fully independent nested run with its own execution id.
type SubagentHandler struct {
	invoker Invoker
}

// NewSubagentHandler builds a SubagentHandler bound to an Invoker.
func NewSubagentHandler(invoker Invoker) *SubagentHandler {
	return &SubagentHandler{invoker: invoker}
}

func (h *SubagentHandler) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	if node.SubagentGraphID == "" {
		return Failure(&Error{NodeID: node.ID, Message: "subagent node has no target graph id configured"})
	}

	inputs := make(map[string]any, len(node.Inputs))
	for _, key := range node.Inputs {
		if v, ok := sc.Get(scope.Private, key); ok {
			inputs[key] = v
		}
	}

	outputs, err := h.invoker.InvokeSubgraph(ctx, node.SubagentGraphID, inputs)
	if err != nil {
		return Failure(err)
	}
	return Success(outputs)
}
