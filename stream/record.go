package stream

import (
	"sync"
	"time"

	"github.com/agentrt/agentrt/trace"
)

// Status is the lifecycle state of one ExecutionRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionError is the structured, user-visible error payload a failed
// execution carries.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// Record is the public, read-only view of one ExecutionRecord. It is
// returned by GetResult/Wait and is safe to read concurrently: Stream
// never hands out the live record, only copies taken under lock.
type Record struct {
	ID            string
	StreamID      string
	Payload       map[string]any
	AdmittedAt    time.Time
	CompletedAt   time.Time
	Status        Status
	CurrentNodeID string
	Result        map[string]any
	Err           *ExecutionError
	PauseNodeID   string
	PauseMessage  string
	PauseToken    string
}

// record is the mutable, internal bookkeeping Stream owns for one
// execution. Only the stream's goroutines and the methods in this
// package ever mutate it, always under the stream's mu or the record's
// own mu.
type record struct {
	mu sync.Mutex

	id       string
	streamID string
	payload  map[string]any

	admittedAt  time.Time
	completedAt time.Time
	status      Status

	currentNodeID string
	result        map[string]any
	execErr       *ExecutionError

	pauseNodeID  string
	pauseMessage string
	pauseToken   string
	pauseResumed bool

	// collector and costs span the whole execution, surviving a pause so
	// the resumed run appends to the same trace instead of starting a new
	// one.
	collector *trace.Collector
	costs     *trace.CostTracker

	cancel  func()
	done    chan struct{}
	doneSet bool

	// changed is closed and replaced on every status transition so Wait
	// can observe the execution settling into paused or terminal.
	changed chan struct{}
}

func (r *record) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// snapshotAndWatch returns the current view plus a channel closed at the
// next status transition, taken under one lock so a transition between
// the two cannot be missed.
func (r *record) snapshotAndWatch() (Record, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), r.changed
}

func (r *record) snapshotLocked() Record {
	out := Record{
		ID:            r.id,
		StreamID:      r.streamID,
		Payload:       r.payload,
		AdmittedAt:    r.admittedAt,
		CompletedAt:   r.completedAt,
		Status:        r.status,
		CurrentNodeID: r.currentNodeID,
		Result:        r.result,
		Err:           r.execErr,
		PauseNodeID:   r.pauseNodeID,
		PauseMessage:  r.pauseMessage,
		PauseToken:    r.pauseToken,
	}
	return out
}

func (r *record) markTerminal(status Status, result map[string]any, execErr *ExecutionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.result = result
	r.execErr = execErr
	r.completedAt = time.Now()
	if !r.doneSet {
		close(r.done)
		r.doneSet = true
	}
	r.notifyLocked()
}

// setStatus transitions to a non-terminal status and wakes waiters.
func (r *record) setStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.notifyLocked()
}

// setCurrentNode tracks the node the execution most recently dispatched.
func (r *record) setCurrentNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentNodeID = nodeID
}

func (r *record) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
