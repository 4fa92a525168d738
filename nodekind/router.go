package nodekind

import (
	"context"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/internal/safeexpr"
	"github.com/agentrt/agentrt/scope"
)

// Route is a single candidate destination a router node may choose,
// guarded by a safeexpr predicate evaluated against the current scope.
type Route struct {
	Label string
	Expr  *safeexpr.Expr
}

// RouterHandler dispatches KindRouter nodes: it evaluates each Route in
// order and returns the label of the first whose predicate is true,
// falling back to Default if none match. Routers never write outputs —
// graphmodel.Builder rejects a router node that declares any.
type RouterHandler struct {
	routes  map[string][]Route
	deflt   map[string]string
}

// NewRouterHandler builds a RouterHandler from a node-ID -> ordered routes
// map, and an optional node-ID -> default-label fallback map.
func NewRouterHandler(routes map[string][]Route, defaults map[string]string) *RouterHandler {
	return &RouterHandler{routes: routes, deflt: defaults}
}

func (h *RouterHandler) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) Outcome {
	routes := h.routes[node.ID]
	scopeValues, err := sc.Snapshot(scope.Private)
	if err != nil {
		return Failure(err)
	}

	for _, r := range routes {
		matched, err := r.Expr.Eval(scopeValues)
		if err != nil {
			continue // malformed predicate degrades to not-taken
		}
		if matched {
			return SuccessWithRoute(nil, r.Label)
		}
	}
	if label, ok := h.deflt[node.ID]; ok {
		return SuccessWithRoute(nil, label)
	}
	return Failure(&Error{NodeID: node.ID, Message: "no route matched and no default label configured"})
}
