// Package stream implements one execution stream per registered entry
// point: admission, concurrency gating, running the graph executor,
// pause/resume bookkeeping, retention-bounded result storage, and
// lifecycle event emission.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrt/agentrt/eventbus"
	"github.com/agentrt/agentrt/executor"
	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
	"github.com/agentrt/agentrt/trace"
	"github.com/google/uuid"
)

// Stream owns everything needed to admit, run, and retain executions for
// one entry point of a shared graph.
type Stream struct {
	id        string
	graph     *graphmodel.Graph
	entryNode string
	ex        *executor.Executor
	scopeMgr  *scope.Manager
	bus       *eventbus.Bus
	cfg       config

	sem chan struct{}

	mu       sync.Mutex
	records  map[string]*record
	order    []string // ids of terminal records in completion order, for FIFO retention
	pausedBy map[string]*record

	stopSweep chan struct{}
	swept     sync.WaitGroup
}

// New constructs a Stream for one entry point. graph is shared read-only
// across every stream bound to it; ex is cloned per execution via
// executor.Executor.WithRecorder so each execution gets its own
// trace.Collector without the streams stepping on each other's node
// registry or scope manager.
func New(id string, graph *graphmodel.Graph, entryNode string, ex *executor.Executor, scopeMgr *scope.Manager, bus *eventbus.Bus, opts ...Option) (*Stream, error) {
	if _, ok := graph.Node(entryNode); !ok {
		return nil, fmt.Errorf("stream %q: entry node %q is not a node in the bound graph", id, entryNode)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	scopeMgr.CreateStream(id)
	s := &Stream{
		id:        id,
		graph:     graph,
		entryNode: entryNode,
		ex:        ex,
		scopeMgr:  scopeMgr,
		bus:       bus,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.concurrency),
		records:   make(map[string]*record),
		pausedBy:  make(map[string]*record),
		stopSweep: make(chan struct{}),
	}
	return s, nil
}

// ID returns the stream's entry-point id.
func (s *Stream) ID() string { return s.id }

// EntryNode returns the node this stream's executions start at.
func (s *Stream) EntryNode() string { return s.entryNode }

// Start begins the background retention sweep. Safe to call once per
// Stream; Runtime.Start calls it for every configured stream.
func (s *Stream) Start() {
	s.swept.Add(1)
	go s.sweepLoop()
}

// Stop halts the retention sweep. It does not cancel in-flight
// executions — Runtime.Stop handles graceful drain and force-cancel.
func (s *Stream) Stop() {
	close(s.stopSweep)
	s.swept.Wait()
}

func (s *Stream) sweepLoop() {
	defer s.swept.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepRetention()
		case <-s.stopSweep:
			return
		}
	}
}

// Trigger validates payload against the entry node's declared inputs,
// admits a new pending ExecutionRecord, and returns its id immediately —
// acceptance, not completion. The execution itself runs on its own
// goroutine once a concurrency slot is available.
func (s *Stream) Trigger(ctx context.Context, payload map[string]any) (string, error) {
	node, _ := s.graph.Node(s.entryNode)
	for _, key := range node.Inputs {
		if _, ok := payload[key]; !ok {
			return "", fmt.Errorf("%w: entry node %q requires %q", ErrInvalidInput, s.entryNode, key)
		}
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	r := &record{
		id:         id,
		streamID:   s.id,
		payload:    payload,
		admittedAt: time.Now(),
		status:     StatusPending,
		collector:  trace.NewCollector(id, s.id),
		costs:      trace.NewCostTracker(id, ""),
		cancel:     cancel,
		done:       make(chan struct{}),
		changed:    make(chan struct{}),
	}
	s.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()

	go s.run(runCtx, r)
	return id, nil
}

// TriggerAndWait admits payload and blocks, through Wait, until the
// execution settles or timeout elapses. It settles at a terminal status
// or at a pause node: a paused execution is returned with Status paused,
// and TriggerAndWait does not wait for it to be resumed.
func (s *Stream) TriggerAndWait(ctx context.Context, payload map[string]any, timeout time.Duration) (Record, error) {
	id, err := s.Trigger(ctx, payload)
	if err != nil {
		return Record{}, err
	}
	return s.Wait(id, timeout)
}

func (s *Stream) getRecord(id string) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// GetResult returns the current view of an execution, or ErrNotFound if
// it was never admitted or has since been pruned by retention.
func (s *Stream) GetResult(id string) (Record, error) {
	r, ok := s.getRecord(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.snapshot(), nil
}

// Wait blocks until id settles — reaches a terminal status or suspends
// at a pause node awaiting resume — or timeout elapses. A caller that
// resumed a paused execution calls Wait again to observe the next
// settling point. timeout <= 0 means wait forever. Multiple concurrent
// waiters are supported.
func (s *Stream) Wait(id string, timeout time.Duration) (Record, error) {
	r, ok := s.getRecord(id)
	if !ok {
		return Record{}, ErrNotFound
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		snap, changed := r.snapshotAndWatch()
		if snap.Status.Terminal() || snap.Status == StatusPaused {
			return snap, nil
		}
		select {
		case <-changed:
		case <-deadline:
			return Record{}, ErrTimeout
		}
	}
}

// Cancel requests cooperative cancellation of a running or paused
// execution. The record transitions to cancelled at the next step
// boundary the executor observes, or immediately if the execution was
// only pending.
func (s *Stream) Cancel(id string) error {
	r, ok := s.getRecord(id)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()
	status := r.status
	cancel := r.cancel
	pauseToken := r.pauseToken
	r.mu.Unlock()

	if status.Terminal() {
		return ErrAlreadyTerminal
	}

	if status == StatusPaused {
		// No goroutine is currently running to observe a ctx
		// cancellation — the suspended execution is parked entirely in
		// scope state until Resume or pause-timeout. Cancel it directly.
		s.mu.Lock()
		delete(s.pausedBy, pauseToken)
		s.mu.Unlock()
		s.publishTerminal(r, eventbus.KindCancelled)
		s.writeTrace(r, StatusCancelled)
		r.markTerminal(StatusCancelled, nil, nil)
		s.scopeMgr.DestroyPrivate(id)
		s.trackTerminal(r)
		return nil
	}

	// Pending or running: cancel the context; the run goroutine observes
	// it at the next step boundary (or immediately, if still queued for
	// a concurrency slot) and transitions the record itself.
	if cancel != nil {
		cancel()
	}
	return nil
}

// Resume injects payload into the paused execution's scope under its
// pause node's declared output keys and re-drives the executor from the
// pause node's first outgoing edge.
func (s *Stream) Resume(id string, payload map[string]any) error {
	r, ok := s.getRecord(id)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if r.status != StatusPaused {
		r.mu.Unlock()
		if r.pauseResumed {
			return ErrAlreadyResumed
		}
		return ErrNotPaused
	}
	if r.pauseResumed {
		r.mu.Unlock()
		return ErrAlreadyResumed
	}
	r.pauseResumed = true
	pauseNode := r.pauseNodeID
	pauseToken := r.pauseToken
	r.status = StatusRunning
	r.notifyLocked()
	r.mu.Unlock()

	s.mu.Lock()
	delete(s.pausedBy, pauseToken)
	s.mu.Unlock()

	node, _ := s.graph.Node(pauseNode)
	for _, key := range node.Outputs {
		if v, ok := payload[key]; ok {
			s.scopeMgr.Set(scope.Private, id, key, v)
		}
	}

	edges := s.graph.OutgoingEdges(pauseNode)
	if len(edges) == 0 {
		s.publishTerminal(r, eventbus.KindFailed)
		s.writeTrace(r, StatusFailed)
		r.markTerminal(StatusFailed, nil, &ExecutionError{Kind: "NoEdgeMatched", Message: "pause node has no outgoing edge to resume into", NodeID: pauseNode})
		s.scopeMgr.DestroyPrivate(id)
		s.trackTerminal(r)
		return nil
	}

	s.publish(r, eventbus.KindResumed, pauseNode, nil)
	go s.resumeFrom(context.Background(), r, edges[0].Target)
	return nil
}

// run drives one admitted execution from pending through the concurrency
// gate to a terminal status. parent is cancelled only by Stream.Cancel;
// a Wait or TriggerAndWait timeout does not cancel the execution.
func (s *Stream) run(parent context.Context, r *record) {
	select {
	case s.sem <- struct{}{}:
	case <-parent.Done():
		// Cancelled while still waiting for a concurrency slot.
		s.publishTerminal(r, eventbus.KindCancelled)
		s.writeTrace(r, StatusCancelled)
		r.markTerminal(StatusCancelled, nil, nil)
		s.scopeMgr.DestroyPrivate(r.id)
		s.trackTerminal(r)
		return
	}
	defer func() { <-s.sem }()

	if parent.Err() != nil {
		s.publishTerminal(r, eventbus.KindCancelled)
		s.writeTrace(r, StatusCancelled)
		r.markTerminal(StatusCancelled, nil, nil)
		s.scopeMgr.DestroyPrivate(r.id)
		s.trackTerminal(r)
		return
	}
	r.setStatus(StatusRunning)

	s.publish(r, eventbus.KindStarted, s.entryNode, nil)

	ex := s.ex.WithRecorder(&decisionRecorder{stream: s, rec: r})
	ctx := nodekind.WithCostSink(parent, r.costs)
	result := ex.RunAt(ctx, s.graph, r.id, s.id, s.entryNode, r.payload)
	s.finish(r, result)
}

// resumeFrom continues a previously suspended execution from fromNode,
// appending to the trace collector the pre-pause run started.
func (s *Stream) resumeFrom(parent context.Context, r *record, fromNode string) {
	runCtx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	ex := s.ex.WithRecorder(&decisionRecorder{stream: s, rec: r})
	ctx := nodekind.WithCostSink(runCtx, r.costs)
	result := ex.Resume(ctx, s.graph, r.id, s.id, fromNode)
	s.finish(r, result)
}

// decisionRecorder forwards each executor decision to the record's trace
// collector and publishes it as a node.decision event.
type decisionRecorder struct {
	stream *Stream
	rec    *record
}

func (d *decisionRecorder) RecordDecision(dec executor.Decision) {
	d.rec.setCurrentNode(dec.NodeID)
	d.rec.collector.RecordDecision(dec)
	d.stream.publish(d.rec, eventbus.KindDecision, dec.NodeID, map[string]any{
		"attempt":     dec.Attempt,
		"status":      dec.Status.String(),
		"duration_ms": dec.Duration.Milliseconds(),
		"route":       dec.RouteTaken,
	})
}

// finish classifies an executor.Result into a terminal (or paused)
// record transition, persists the trace, emits the matching event, and
// — for true terminals — tears down the private scope and runs
// retention bookkeeping.
func (s *Stream) finish(r *record, result executor.Result) {
	switch result.Status {
	case executor.StatusSuspended:
		r.mu.Lock()
		r.status = StatusPaused
		r.pauseNodeID = result.PauseNodeID
		r.pauseToken = result.PauseToken
		r.pauseResumed = false
		node, _ := s.graph.Node(result.PauseNodeID)
		if node.Pause != nil {
			r.pauseMessage = node.Pause.Message
		}
		timeout := s.cfg.pauseTimeout
		if node.Pause != nil && node.Pause.Timeout > 0 {
			timeout = node.Pause.Timeout
		}
		message := r.pauseMessage
		r.notifyLocked()
		r.mu.Unlock()

		s.mu.Lock()
		s.pausedBy[result.PauseToken] = r
		s.mu.Unlock()

		s.captureSnapshot(r, result.PauseNodeID, "pause")
		s.publish(r, eventbus.KindPaused, result.PauseNodeID, map[string]any{"pause_token": result.PauseToken, "message": message})

		if timeout > 0 {
			time.AfterFunc(timeout, func() { s.expirePause(r, result.PauseToken) })
		}
		return
	case executor.StatusCompleted:
		res, _ := s.scopeMgr.Snapshot(scope.Private, r.id)
		executor.StripInternalKeys(res)
		s.captureSnapshot(r, "", "terminal")
		s.publishTerminal(r, eventbus.KindCompleted)
		s.writeTrace(r, StatusCompleted)
		r.markTerminal(StatusCompleted, res, nil)
	case executor.StatusCancelled:
		s.publishTerminal(r, eventbus.KindCancelled)
		s.writeTrace(r, StatusCancelled)
		r.markTerminal(StatusCancelled, nil, nil)
	default: // executor.StatusFailed
		s.captureSnapshot(r, "", "terminal")
		s.publishTerminal(r, eventbus.KindFailed)
		s.writeTrace(r, StatusFailed)
		r.markTerminal(StatusFailed, nil, classifyExecErr(result.Err))
	}

	s.scopeMgr.DestroyPrivate(r.id)
	s.trackTerminal(r)
}

// captureSnapshot copies the execution's private scope into the trace
// collector at a pause or terminal point.
func (s *Stream) captureSnapshot(r *record, nodeID, point string) {
	snap, err := s.scopeMgr.Snapshot(scope.Private, r.id)
	if err != nil {
		return
	}
	executor.StripInternalKeys(snap)
	r.collector.CaptureSnapshot(nodeID, point, snap)
}

func (s *Stream) expirePause(r *record, token string) {
	r.mu.Lock()
	if r.status != StatusPaused || r.pauseToken != token || r.pauseResumed {
		r.mu.Unlock()
		return
	}
	r.pauseResumed = true
	r.mu.Unlock()

	s.mu.Lock()
	delete(s.pausedBy, token)
	s.mu.Unlock()

	s.publishTerminal(r, eventbus.KindFailed)
	s.writeTrace(r, StatusFailed)
	r.markTerminal(StatusFailed, nil, &ExecutionError{Kind: "PauseTimeout", Message: "resume did not arrive within the pause timeout", NodeID: r.pauseNodeID})
	s.scopeMgr.DestroyPrivate(r.id)
	s.trackTerminal(r)
}

func classifyExecErr(err error) *ExecutionError {
	if err == nil {
		return &ExecutionError{Kind: "Unknown", Message: "execution failed with no error detail"}
	}
	var nodeErr *executor.Error
	if errors.As(err, &nodeErr) {
		return &ExecutionError{Kind: kindOf(err), Message: nodeErr.Message, NodeID: nodeErr.NodeID}
	}
	return &ExecutionError{Kind: kindOf(err), Message: err.Error()}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, executor.ErrVisitBudgetExceeded):
		return "VisitBudgetExceeded"
	case errors.Is(err, executor.ErrMissingInput):
		return "InputMissing"
	case errors.Is(err, executor.ErrValidationFailed):
		return "ValidationFailed"
	case errors.Is(err, executor.ErrNoEdgeMatched):
		return "NoEdgeMatched"
	case errors.Is(err, executor.ErrReplayMismatch):
		return "ReplayMismatch"
	case errors.Is(err, nodekind.ErrLLMError):
		return "LLMError"
	case errors.Is(err, nodekind.ErrToolError):
		return "ToolError"
	default:
		return "FunctionError"
	}
}

// writeTrace flushes the execution's collected decisions to durable
// storage as status, before the record itself is marked terminal, so a
// waiter released by the terminal transition can immediately read the
// artifact.
func (s *Stream) writeTrace(r *record, status Status) {
	var cost *trace.CostSummary
	if summary := r.costs.Summary(); len(summary.Calls) > 0 {
		cost = summary
	}
	t := r.collector.Finalize(string(status), cost)
	if err := trace.WriteJSON(s.cfg.storageRoot, t); err != nil {
		s.cfg.logger.Error("stream: failed to persist trace", slog.String("execution_id", r.id), slog.String("error", err.Error()))
	}
	if s.cfg.store != nil {
		if err := s.cfg.store.Save(context.Background(), t); err != nil {
			s.cfg.logger.Error("stream: failed to persist trace to store", slog.String("execution_id", r.id), slog.String("error", err.Error()))
		}
	}
}

func (s *Stream) trackTerminal(r *record) {
	s.mu.Lock()
	s.order = append(s.order, r.id)
	s.mu.Unlock()
	s.sweepRetention()
}

// sweepRetention prunes terminal records past ttl or beyond maxCount,
// oldest first.
func (s *Stream) sweepRetention() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.order[:0:0]
	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		snap := r.snapshot()
		if !snap.Status.Terminal() {
			kept = append(kept, id)
			continue
		}
		if s.cfg.retentionTTL > 0 && now.Sub(snap.CompletedAt) >= s.cfg.retentionTTL {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}

	for len(kept) > s.cfg.retentionMax {
		oldest := kept[0]
		kept = kept[1:]
		delete(s.records, oldest)
	}
	s.order = kept
}

func (s *Stream) publish(r *record, kind, nodeID string, meta map[string]any) {
	s.bus.Publish(eventbus.Event{
		StreamID:    s.id,
		ExecutionID: r.id,
		NodeID:      nodeID,
		Kind:        kind,
		Timestamp:   time.Now(),
		Meta:        meta,
	})
}

func (s *Stream) publishTerminal(r *record, kind string) {
	s.publish(r, kind, "", nil)
}

// Pending reports how many executions are waiting for a concurrency slot.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.snapshot().Status == StatusPending {
			n++
		}
	}
	return n
}

// Running reports how many executions currently hold a concurrency slot.
func (s *Stream) Running() int {
	return len(s.sem)
}

// ConcurrencyLimit returns the configured concurrency gate size.
func (s *Stream) ConcurrencyLimit() int {
	return cap(s.sem)
}
