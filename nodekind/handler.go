package nodekind

import (
	"context"
	"fmt"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/scope"
)

// Handler executes one node kind. Implementations must respect context
// cancellation promptly — the executor checks for cancellation only
// between dispatches (at step boundaries, after a handler returns, and
// during retry backoff), so a Handler that ignores ctx can stall shutdown.
type Handler interface {
	Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome
}

// HandlerFunc adapts a plain function to the Handler interface, mirroring
// the node-as-function convenience the underlying execution engine offers.
type HandlerFunc func(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome

func (f HandlerFunc) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	return f(ctx, node, sc)
}

// Error reports a problem dispatching or running a node, distinct from a
// StatusFailure Outcome (which is a normal, recordable execution result).
// Error covers configuration problems (an unregistered kind, or a node
// with no bound function, prompt builder, or target graph) and handler
// dead ends: a router with no matching route and no default, or an llm
// node that exceeds its tool-call round-trip bound.
type Error struct {
	NodeID  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("nodekind: node %q: %s", e.NodeID, e.Message)
}

// Registry maps a graphmodel.Kind to the Handler responsible for it.
type Registry struct {
	handlers map[graphmodel.Kind]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[graphmodel.Kind]Handler)}
}

// Register binds kind to h, overwriting any previous binding.
func (r *Registry) Register(kind graphmodel.Kind, h Handler) {
	r.handlers[kind] = h
}

// Dispatch runs the node using the handler registered for its kind.
func (r *Registry) Dispatch(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	h, ok := r.handlers[node.Kind]
	if !ok {
		return Failure(&Error{NodeID: node.ID, Message: fmt.Sprintf("no handler registered for kind %q", node.Kind)})
	}
	return h.Run(ctx, node, sc)
}
