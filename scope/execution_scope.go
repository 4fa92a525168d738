package scope

import "fmt"

// ExecutionScope is the per-node view into the three tiers, bound to one
// execution id and stream id. A node handler only ever sees an
// ExecutionScope, never the Manager directly, so the output ACL can be
// enforced at the call boundary.
type ExecutionScope struct {
	mgr       *Manager
	execID    string
	streamID  string
	nodeID    string
	allowed   map[string]bool
}

// NewExecutionScope binds a scope to one node's declared outputs. allowed
// is the set of keys the node is permitted to Set at Private level; reads
// and stream/runtime-shared writes are unrestricted (no check applies to
// those tiers, neither here nor when the graph is built).
func NewExecutionScope(mgr *Manager, execID, streamID, nodeID string, allowedOutputs []string) *ExecutionScope {
	allowed := make(map[string]bool, len(allowedOutputs))
	for _, k := range allowedOutputs {
		allowed[k] = true
	}
	return &ExecutionScope{mgr: mgr, execID: execID, streamID: streamID, nodeID: nodeID, allowed: allowed}
}

// Get reads key at the given level.
func (s *ExecutionScope) Get(level Level, key string) (any, bool) {
	return s.mgr.Get(level, s.idFor(level), key)
}

// Set writes key at Private level, enforced against the node's declared
// outputs. Writes at StreamShared or RuntimeShared are not output-gated:
// those tiers are cross-cutting, constrained instead by which nodes a
// graph author wires to touch them.
func (s *ExecutionScope) Set(level Level, key string, value any) error {
	if level == Private && !s.allowed[key] {
		return fmt.Errorf("%w: node %q may not set private key %q", ErrScopeViolation, s.nodeID, key)
	}
	s.mgr.Set(level, s.idFor(level), key, value)
	return nil
}

// Update performs an atomic read-modify-write at Private level, subject to
// the same output ACL as Set.
func (s *ExecutionScope) Update(level Level, key string, fn func(prev any, ok bool) any) error {
	if level == Private && !s.allowed[key] {
		return fmt.Errorf("%w: node %q may not update private key %q", ErrScopeViolation, s.nodeID, key)
	}
	s.mgr.Update(level, s.idFor(level), key, fn)
	return nil
}

// Snapshot returns a deep copy of everything currently set at the given
// level, for trace recording.
func (s *ExecutionScope) Snapshot(level Level) (map[string]any, error) {
	return s.mgr.Snapshot(level, s.idFor(level))
}

func (s *ExecutionScope) idFor(level Level) string {
	switch level {
	case Private:
		return s.execID
	case StreamShared:
		return s.streamID
	default:
		return ""
	}
}
