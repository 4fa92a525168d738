// Package trace records and persists execution decisions, assembling
// them into a Trace artifact and tracking LLM spend per execution.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentrt/agentrt/executor"
)

// Decision is the persisted form of one recorded executor.Decision.
type Decision struct {
	Step         int           `json:"step"`
	NodeID       string        `json:"node_id"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	Err          string        `json:"error,omitempty"`
	RouteTaken   string        `json:"route_taken,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Snapshot captures the full execution scope at a pause or terminal
// point, per the trace artifact's "captured state snapshots" requirement.
type Snapshot struct {
	NodeID    string         `json:"node_id"`
	Point     string         `json:"point"` // "pause" or "terminal"
	Values    map[string]any `json:"values"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionSummary is the trace artifact's required aggregate: wall-clock
// duration, token usage, cost, and the success rate across every
// recorded node attempt (not just one per node — a node retried twice
// then succeeded contributes three attempts to the denominator).
type ExecutionSummary struct {
	Duration     time.Duration `json:"duration_ns"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	SuccessRate  float64       `json:"success_rate"`
}

// Trace is the full, ordered decision history of one execution, plus its
// final status, state snapshots, and cost.
type Trace struct {
	SchemaVersion int              `json:"schema_version"`
	ExecutionID   string           `json:"execution_id"`
	StreamID      string           `json:"stream_id"`
	Status        string           `json:"status"`
	Decisions     []Decision       `json:"decisions"`
	Snapshots     []Snapshot       `json:"snapshots,omitempty"`
	Summary       ExecutionSummary `json:"summary"`
	Cost          *CostSummary     `json:"cost,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   time.Time        `json:"completed_at,omitempty"`
}

const schemaVersion = 1

// Collector accumulates decisions for one execution and implements
// executor.DecisionRecorder.
type Collector struct {
	mu          sync.Mutex
	executionID string
	streamID    string
	decisions   []Decision
	snapshots   []Snapshot
	createdAt   time.Time
}

// NewCollector starts collecting decisions for executionID/streamID.
func NewCollector(executionID, streamID string) *Collector {
	return &Collector{executionID: executionID, streamID: streamID, createdAt: time.Now()}
}

var _ executor.DecisionRecorder = (*Collector)(nil)

// RecordDecision implements executor.DecisionRecorder.
func (c *Collector) RecordDecision(d executor.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, Decision{
		Step:         d.Step,
		NodeID:       d.NodeID,
		Attempt:      d.Attempt,
		Status:       d.Status.String(),
		Err:          d.Err,
		RouteTaken:   d.RouteTaken,
		Duration:     d.Duration,
		InputTokens:  d.InputTokens,
		OutputTokens: d.OutputTokens,
		CostUSD:      d.CostUSD,
		Timestamp:    d.Timestamp,
	})
}

// CaptureSnapshot records a copy of the execution's scope values at a
// pause or terminal point. stream.Stream calls this each time an
// execution suspends, and once more when the executor returns it
// completed or failed. A cancelled execution, a pause that times out,
// and a resume from a pause node with no outgoing edge get no terminal
// snapshot.
func (c *Collector) CaptureSnapshot(nodeID, point string, values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, Snapshot{
		NodeID:    nodeID,
		Point:     point,
		Values:    values,
		Timestamp: time.Now(),
	})
}

// Finalize assembles the collected decisions and snapshots into a Trace
// with the given terminal status and optional cost summary, computing
// the aggregate ExecutionSummary (duration, tokens, cost, success rate)
// from what was recorded. When cost is non-nil its richer per-model
// totals (which may include LLM calls a node attempt's own Outcome
// didn't carry, e.g. from a tool-resolution round trip) take precedence
// over the per-Decision token/cost sums.
func (c *Collector) Finalize(status string, cost *CostSummary) Trace {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	var successCount, inputTokens, outputTokens int
	var costUSD float64
	for _, d := range c.decisions {
		if d.Status == "success" {
			successCount++
		}
		inputTokens += d.InputTokens
		outputTokens += d.OutputTokens
		costUSD += d.CostUSD
	}
	successRate := 0.0
	if len(c.decisions) > 0 {
		successRate = float64(successCount) / float64(len(c.decisions))
	}
	if cost != nil {
		inputTokens = cost.InputTokens
		outputTokens = cost.OutputTokens
		costUSD = cost.TotalCostUSD
	}

	return Trace{
		SchemaVersion: schemaVersion,
		ExecutionID:   c.executionID,
		StreamID:      c.streamID,
		Status:        status,
		Decisions:     append([]Decision(nil), c.decisions...),
		Snapshots:     append([]Snapshot(nil), c.snapshots...),
		Summary: ExecutionSummary{
			Duration:     now.Sub(c.createdAt),
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      costUSD,
			SuccessRate:  successRate,
		},
		Cost:        cost,
		CreatedAt:   c.createdAt,
		CompletedAt: now,
	}
}

// WriteJSON atomically writes t as the trace artifact at
// {storageRoot}/{stream_id}/traces/{execution_id}.json, writing to a
// temp file and renaming into place so a reader never observes a
// partially-written file — the same technique the underlying execution
// core uses for checkpoint durability.
func WriteJSON(storageRoot string, t Trace) error {
	dir := filepath.Join(storageRoot, t.StreamID, "traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trace: create dir: %w", err)
	}
	final := filepath.Join(dir, t.ExecutionID+".json")

	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("trace: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".trace-*.tmp")
	if err != nil {
		return fmt.Errorf("trace: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("trace: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("trace: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("trace: rename temp file: %w", err)
	}
	return nil
}

// ReadJSON loads a previously written trace artifact.
func ReadJSON(storageRoot, streamID, executionID string) (Trace, error) {
	path := filepath.Join(storageRoot, streamID, "traces", executionID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Trace{}, fmt.Errorf("trace: read: %w", err)
	}
	var t Trace
	if err := json.Unmarshal(raw, &t); err != nil {
		return Trace{}, fmt.Errorf("trace: unmarshal: %w", err)
	}
	return t, nil
}
