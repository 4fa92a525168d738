package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
)

// RecordedIO captures one node attempt's external interaction so a later
// run can replay it without re-invoking the live collaborator, the same
// capture-by-(node,attempt) shape the underlying execution core uses for
// its own checkpoint-based replay.
type RecordedIO struct {
	NodeID    string          `json:"node_id"`
	Attempt   int             `json:"attempt"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	Hash      string          `json:"hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// recordIO serializes request/response and hashes the response so a
// later replay can detect divergence.
func recordIO(nodeID string, attempt int, request, response any) (RecordedIO, error) {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("executor: marshal replay request: %w", err)
	}
	respJSON, err := json.Marshal(response)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("executor: marshal replay response: %w", err)
	}
	sum := sha256.Sum256(respJSON)
	return RecordedIO{
		NodeID:    nodeID,
		Attempt:   attempt,
		Request:   reqJSON,
		Response:  respJSON,
		Hash:      "sha256:" + hex.EncodeToString(sum[:]),
		Timestamp: time.Now(),
	}, nil
}

// lookupRecordedIO finds the recording for (nodeID, attempt), if any.
func lookupRecordedIO(recordings []RecordedIO, nodeID string, attempt int) (RecordedIO, bool) {
	for _, r := range recordings {
		if r.NodeID == nodeID && r.Attempt == attempt {
			return r, true
		}
	}
	return RecordedIO{}, false
}

// verifyReplayHash reports ErrReplayMismatch if actualResponse's hash
// does not match recorded's.
func verifyReplayHash(recorded RecordedIO, actualResponse any) error {
	actualJSON, err := json.Marshal(actualResponse)
	if err != nil {
		return fmt.Errorf("executor: marshal actual response: %w", err)
	}
	sum := sha256.Sum256(actualJSON)
	actualHash := "sha256:" + hex.EncodeToString(sum[:])
	if actualHash != recorded.Hash {
		return fmt.Errorf("%w: node %q attempt %d: expected %s, got %s", ErrReplayMismatch, recorded.NodeID, recorded.Attempt, recorded.Hash, actualHash)
	}
	return nil
}

// ReplayMode selects how a Replayer-wrapped Handler treats a dispatch.
type ReplayMode int

const (
	// ModeLive dispatches to the live handler and does not record.
	ModeLive ReplayMode = iota
	// ModeRecord dispatches live and captures a RecordedIO for each
	// successful attempt.
	ModeRecord
	// ModeReplay serves a recorded response without invoking the live
	// handler; if Strict, it additionally dispatches live and verifies
	// the response hash matches, surfacing ErrReplayMismatch on drift.
	ModeReplay
)

// Replayer wraps a nodekind.Handler — typically an llm or subagent
// handler, the non-deterministic kinds — to record or replay its
// outcomes by (node id, attempt), generalizing the underlying execution
// core's checkpoint-level RecordedIO/replay verify trio to a per-handler
// decorator instead of a whole-run replay mode.
type Replayer struct {
	inner      nodekind.Handler
	mode       ReplayMode
	strict     bool
	recordings []RecordedIO

	mu       sync.Mutex
	attempts map[string]int
	captured []RecordedIO
}

// NewReplayer wraps inner in the given mode. recordings is consulted in
// ModeReplay and ignored otherwise. strict, when true and mode is
// ModeReplay, also dispatches the live handler and fails with
// ErrReplayMismatch if its response hash diverges from the recording —
// a determinism check, not a way to route around the recording.
func NewReplayer(inner nodekind.Handler, mode ReplayMode, recordings []RecordedIO, strict bool) *Replayer {
	return &Replayer{
		inner:      inner,
		mode:       mode,
		strict:     strict,
		recordings: recordings,
		attempts:   make(map[string]int),
	}
}

// Captured returns the RecordedIO entries accumulated so far in
// ModeRecord, safe to call concurrently with further Run calls.
func (r *Replayer) Captured() []RecordedIO {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedIO(nil), r.captured...)
}

func (r *Replayer) nextAttempt(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[nodeID]
	r.attempts[nodeID] = a + 1
	return a
}

func (r *Replayer) Run(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope) nodekind.Outcome {
	attempt := r.nextAttempt(node.ID)

	if r.mode == ModeReplay {
		rec, ok := lookupRecordedIO(r.recordings, node.ID, attempt)
		if !ok {
			return nodekind.Failure(fmt.Errorf("executor: no recording for node %q attempt %d", node.ID, attempt))
		}
		var outputs map[string]any
		if len(rec.Response) > 0 {
			if err := json.Unmarshal(rec.Response, &outputs); err != nil {
				return nodekind.Failure(fmt.Errorf("executor: unmarshal recorded response: %w", err))
			}
		}
		if r.strict {
			live := r.inner.Run(ctx, node, sc)
			if live.Status == nodekind.StatusSuccess {
				if err := verifyReplayHash(rec, live.Outputs); err != nil {
					return nodekind.Failure(err)
				}
			}
		}
		return nodekind.Success(outputs)
	}

	outcome := r.inner.Run(ctx, node, sc)

	if r.mode == ModeRecord && outcome.Status == nodekind.StatusSuccess {
		rec, err := recordIO(node.ID, attempt, node.Inputs, outcome.Outputs)
		if err == nil {
			r.mu.Lock()
			r.captured = append(r.captured, rec)
			r.mu.Unlock()
		}
	}

	return outcome
}

var _ nodekind.Handler = (*Replayer)(nil)
