// Package scope implements the three-tier shared-state manager: private
// (per-execution), stream-shared, and runtime-shared key/value stores
// with per-(level,key) locking and output-ACL enforcement.
package scope

import (
	"errors"
	"sync"
)

// Level identifies one of the three isolation tiers.
type Level int

const (
	Private Level = iota
	StreamShared
	RuntimeShared
)

func (l Level) String() string {
	switch l {
	case Private:
		return "private"
	case StreamShared:
		return "stream-shared"
	case RuntimeShared:
		return "runtime-shared"
	default:
		return "unknown"
	}
}

// ErrScopeViolation is returned when a write targets a key the caller has
// not declared as an output.
var ErrScopeViolation = errors.New("scope violation: key not declared as an output")

// entry is one (level,id,key) cell, guarded by its own mutex so that
// concurrent writers to distinct keys never contend.
type entry struct {
	mu    sync.Mutex
	value any
	set   bool
}

// Manager owns the backing maps for all three tiers. One Manager is
// shared by an entire agentrt.Runtime.
type Manager struct {
	mu       sync.RWMutex // guards the id->key->entry maps themselves, not entry values
	private  map[string]map[string]*entry // execution id -> key -> entry
	stream   map[string]map[string]*entry // stream id -> key -> entry
	runtime  map[string]*entry            // key -> entry
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		private: make(map[string]map[string]*entry),
		stream:  make(map[string]map[string]*entry),
		runtime: make(map[string]*entry),
	}
}

// CreatePrivate allocates the private tier for an execution id. It is
// idempotent.
func (m *Manager) CreatePrivate(execID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.private[execID]; !ok {
		m.private[execID] = make(map[string]*entry)
	}
}

// DestroyPrivate tears down the private tier for an execution id. Called
// once the execution has been retained/pruned.
func (m *Manager) DestroyPrivate(execID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.private, execID)
}

// CreateStream allocates the stream-shared tier for a stream id. Idempotent.
func (m *Manager) CreateStream(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stream[streamID]; !ok {
		m.stream[streamID] = make(map[string]*entry)
	}
}

func (m *Manager) entryFor(level Level, id, key string) *entry {
	// lock ordering: (scope level, key hash) — acquiring the map-level
	// RWMutex briefly to materialize the per-key entry, then releasing it
	// before ever touching entry.mu, so two keys in the same tier never
	// serialize on each other.
	switch level {
	case Private:
		m.mu.Lock()
		bucket, ok := m.private[id]
		if !ok {
			bucket = make(map[string]*entry)
			m.private[id] = bucket
		}
		e, ok := bucket[key]
		if !ok {
			e = &entry{}
			bucket[key] = e
		}
		m.mu.Unlock()
		return e
	case StreamShared:
		m.mu.Lock()
		bucket, ok := m.stream[id]
		if !ok {
			bucket = make(map[string]*entry)
			m.stream[id] = bucket
		}
		e, ok := bucket[key]
		if !ok {
			e = &entry{}
			bucket[key] = e
		}
		m.mu.Unlock()
		return e
	default: // RuntimeShared
		m.mu.Lock()
		e, ok := m.runtime[key]
		if !ok {
			e = &entry{}
			m.runtime[key] = e
		}
		m.mu.Unlock()
		return e
	}
}

// Get reads a value. ok is false if the key was never set.
func (m *Manager) Get(level Level, id, key string) (any, bool) {
	e := m.entryFor(level, id, key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.set
}

// Set writes a value unconditionally (used internally; ExecutionScope.Set
// enforces the output ACL before calling this).
func (m *Manager) Set(level Level, id, key string, value any) {
	e := m.entryFor(level, id, key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.set = true
}

// Update performs an atomic read-modify-write.
func (m *Manager) Update(level Level, id, key string, fn func(prev any, ok bool) any) {
	e := m.entryFor(level, id, key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = fn(e.value, e.set)
	e.set = true
}

// Snapshot returns a deep copy of every key currently set at (level, id),
// for tracing and result payloads. Maps and slices are copied recursively
// so a snapshot handed to a trace writer cannot be mutated by the still-
// running execution; other value types are copied by assignment.
func (m *Manager) Snapshot(level Level, id string) (map[string]any, error) {
	var bucket map[string]*entry
	m.mu.RLock()
	switch level {
	case Private:
		bucket = m.private[id]
	case StreamShared:
		bucket = m.stream[id]
	case RuntimeShared:
		bucket = m.runtime2snapshotBucket()
	}
	// copy the bucket reference set under RLock so we can release it
	// before touching per-key locks (lock order: wider scope map lock
	// released before narrower per-entry locks are taken).
	keys := make([]string, 0, len(bucket))
	entries := make([]*entry, 0, len(bucket))
	for k, e := range bucket {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]any, len(keys))
	for i, k := range keys {
		e := entries[i]
		e.mu.Lock()
		v, set := e.value, e.set
		e.mu.Unlock()
		if !set {
			continue
		}
		out[k] = deepCopy(v)
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// runtime2snapshotBucket adapts the flat runtime-shared key->entry map to
// the same shape Snapshot expects for the other two tiers.
func (m *Manager) runtime2snapshotBucket() map[string]*entry {
	return m.runtime
}
