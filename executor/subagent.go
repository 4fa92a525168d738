package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/scope"
	"github.com/google/uuid"
)

// subgraphs holds the graphs an Executor may delegate KindSubagent nodes
// to, keyed by graph id. Registered once at runtime construction, read
// many times concurrently by InvokeSubgraph, so it is guarded by a
// RWMutex even though registration typically happens before Run is ever
// called.
type subgraphs struct {
	mu   sync.RWMutex
	byID map[string]*graphmodel.Graph
}

// RegisterSubgraph makes g available to KindSubagent nodes that name
// graphID in their Node.SubagentGraphID.
func (ex *Executor) RegisterSubgraph(graphID string, g *graphmodel.Graph) {
	ex.subs.mu.Lock()
	defer ex.subs.mu.Unlock()
	if ex.subs.byID == nil {
		ex.subs.byID = make(map[string]*graphmodel.Graph)
	}
	ex.subs.byID[graphID] = g
}

// InvokeSubgraph implements nodekind.Invoker: it runs graphID to
// completion against a freshly allocated execution id and returns its
// terminal outputs, or an error if the sub-execution failed, paused, or
// was cancelled. The nested run records through this Executor's own
// recorder, tagged with the child execution id; an Executor built with a
// nil recorder (as runtime.New builds its shared one) records nothing for
// it.
func (ex *Executor) InvokeSubgraph(ctx context.Context, graphID string, inputs map[string]any) (map[string]any, error) {
	ex.subs.mu.RLock()
	g, ok := ex.subs.byID[graphID]
	ex.subs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: no subgraph registered for id %q", graphID)
	}

	subExecID := uuid.NewString()
	defer ex.scopeMgr.DestroyPrivate(subExecID)

	result := ex.Run(ctx, g, subExecID, "subagent:"+graphID, inputs)
	switch result.Status {
	case StatusCompleted:
		snap, err := ex.scopeMgr.Snapshot(scope.Private, subExecID)
		if err != nil {
			return nil, fmt.Errorf("executor: subgraph %q: %w", graphID, err)
		}
		StripInternalKeys(snap)
		return snap, nil
	case StatusSuspended:
		return nil, fmt.Errorf("executor: subgraph %q suspended at node %q; subagent executions may not pause", graphID, result.PauseNodeID)
	default:
		if result.Err != nil {
			return nil, fmt.Errorf("executor: subgraph %q failed: %w", graphID, result.Err)
		}
		return nil, fmt.Errorf("executor: subgraph %q did not complete (status %v)", graphID, result.Status)
	}
}
