// Package runtime is the agent execution runtime's composition root. It
// owns the graph, one execution stream per registered entry point, the
// shared-state manager, event bus, outcome aggregator, and executor, and
// exposes the trigger/wait/cancel/resume surface external callers use,
// following the same functional-options composition-root shape as the
// underlying execution core's `graph.New(reducer, store, emitter,
// options...)`.
package runtime

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
	"github.com/agentrt/agentrt/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// StreamInfo is one row of ListStreams' output.
type StreamInfo struct {
	StreamID         string
	EntryNode        string
	ConcurrencyLimit int
	PendingCount     int
	RunningCount     int
}

// Runtime is the agent execution runtime's composition root.
type Runtime struct {
	graph      *graphmodel.Graph
	scopeMgr   *scope.Manager
	bus        *eventbus.Bus
	aggregator *eventbus.Aggregator
	ex         *executor.Executor
	metrics    *Metrics
	tracer     oteltrace.Tracer
	logger     *slog.Logger
	cfg        config

	streams map[string]*stream.Stream

	mu         sync.RWMutex
	execStream map[string]string // execution id -> owning stream id, lazily pruned on NotFound

	started      bool
	stopAgg      func()
	stopInternal func()
}

// New binds graph and registry into a Runtime. graph must already be a
// built, validated graphmodel.Graph (graphmodel.Builder.Build performs
// that validation); registry supplies the node-kind handlers every
// stream's executions dispatch through — one Registry, one scope.Manager,
// and one executor.Executor are shared across every stream, with the
// runtime owning its collaborators and handing narrow accessors to each
// execution rather than letting streams construct their own.
func New(graph *graphmodel.Graph, registry *nodekind.Registry, opts ...Option) (*Runtime, error) {
	if graph == nil {
		return nil, errors.New("runtime: graph must not be nil")
	}
	if registry == nil {
		return nil, errors.New("runtime: registry must not be nil")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.entryPoints) == 0 {
		return nil, errors.New("runtime: at least one entry point must be registered via WithEntryPoint")
	}

	scopeMgr := scope.NewManager()
	bus := eventbus.NewBus(cfg.busQueueDepth)
	aggregator := eventbus.NewAggregator()
	ex := executor.New(registry, scopeMgr, nil)
	for id, g := range cfg.subgraphs {
		ex.RegisterSubgraph(id, g)
	}

	tracer := cfg.tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/agentrt/agentrt/runtime")
	}

	rt := &Runtime{
		graph:      graph,
		scopeMgr:   scopeMgr,
		bus:        bus,
		aggregator: aggregator,
		ex:         ex,
		metrics:    newMetrics(cfg.promRegisterer),
		tracer:     tracer,
		logger:     cfg.logger,
		cfg:        cfg,
		streams:    make(map[string]*stream.Stream),
		execStream: make(map[string]string),
	}

	streamOpts := []stream.Option{
		stream.WithLogger(cfg.logger),
		stream.WithStorageRoot(cfg.storageRoot),
	}
	if cfg.traceStore != nil {
		streamOpts = append(streamOpts, stream.WithStore(cfg.traceStore))
	}

	for _, ep := range cfg.entryPoints {
		if _, ok := graph.Node(ep.nodeID); !ok {
			return nil, fmt.Errorf("%w: entry point %q names node %q", ErrUnknownEntryPoint, ep.streamID, ep.nodeID)
		}
		s, err := stream.New(ep.streamID, graph, ep.nodeID, ex, scopeMgr, bus, append(append([]stream.Option{}, streamOpts...), ep.opts...)...)
		if err != nil {
			return nil, fmt.Errorf("runtime: constructing stream %q: %w", ep.streamID, err)
		}
		rt.streams[ep.streamID] = s
	}

	return rt, nil
}

// Start begins every stream's background retention sweep and the
// runtime's own metrics/aggregator subscriptions. Starting a stream cannot
// fail, so Start returns an error only when the runtime is already
// started (ErrAlreadyStarted).
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}
	rt.started = true
	rt.mu.Unlock()

	ctx, span := rt.tracer.Start(ctx, "runtime.Start")
	defer span.End()

	for id, s := range rt.streams {
		s.Start()
		rt.logger.Info("runtime: stream started", slog.String("stream_id", id))
	}

	rt.stopAgg = rt.aggregator.Run(rt.bus, goalFromEvent)
	rt.stopInternal = rt.runMetricsLoop()
	return nil
}

// Stop signals every stream to drain in-flight executions, bounded by
// the configured graceful-shutdown deadline, then force-cancels anything
// still running, flushes pending traces by letting in-flight finish calls
// complete, and closes the bus.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return ErrNotStarted
	}
	rt.started = false
	rt.mu.Unlock()

	_, span := rt.tracer.Start(ctx, "runtime.Stop")
	defer span.End()

	deadline := time.Now().Add(rt.cfg.shutdownDeadline)
	for time.Now().Before(deadline) {
		if rt.totalInFlight() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if n := rt.totalInFlight(); n > 0 {
		rt.logger.Warn("runtime: force-cancelling executions still in flight past the shutdown deadline", slog.Int("count", n))
		rt.mu.RLock()
		ids := make([]string, 0, len(rt.execStream))
		for id := range rt.execStream {
			ids = append(ids, id)
		}
		rt.mu.RUnlock()
		for _, id := range ids {
			rt.Cancel(id) //nolint:errcheck // best-effort: already-terminal/unknown ids are fine here
		}
	}

	for id, s := range rt.streams {
		s.Stop()
		rt.logger.Info("runtime: stream stopped", slog.String("stream_id", id))
	}

	if rt.stopAgg != nil {
		rt.stopAgg()
	}
	if rt.stopInternal != nil {
		rt.stopInternal()
	}
	rt.bus.Close()
	return nil
}

func (rt *Runtime) totalInFlight() int {
	n := 0
	for _, s := range rt.streams {
		n += s.Pending() + s.Running()
	}
	return n
}

// Trigger admits payload onto the named stream and returns the new
// execution's id immediately — acceptance, not completion.
func (rt *Runtime) Trigger(ctx context.Context, streamID string, payload map[string]any) (string, error) {
	ctx, span := rt.tracer.Start(ctx, "runtime.Trigger", oteltrace.WithAttributes(attribute.String("agentrt.stream_id", streamID)))
	defer span.End()

	s, ok := rt.streams[streamID]
	if !ok {
		span.SetStatus(codes.Error, ErrUnknownStream.Error())
		return "", ErrUnknownStream
	}

	id, err := s.Trigger(ctx, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	rt.mu.Lock()
	rt.execStream[id] = streamID
	rt.mu.Unlock()
	rt.metrics.observeAdmitted(streamID)
	span.SetAttributes(attribute.String("agentrt.execution_id", id))
	return id, nil
}

// TriggerAndWait admits payload on streamID and blocks, through
// stream.Stream.Wait, until the execution settles or timeout elapses. It
// settles at a terminal status or at a pause node: a paused execution is
// returned with Status paused, and TriggerAndWait does not wait for it to
// be resumed.
func (rt *Runtime) TriggerAndWait(ctx context.Context, streamID string, payload map[string]any, timeout time.Duration) (stream.Record, error) {
	ctx, span := rt.tracer.Start(ctx, "runtime.TriggerAndWait", oteltrace.WithAttributes(attribute.String("agentrt.stream_id", streamID)))
	defer span.End()

	id, err := rt.Trigger(ctx, streamID, payload)
	if err != nil {
		return stream.Record{}, err
	}
	rec, err := rt.streamFor(id).Wait(id, timeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

// GetResult returns the current view of an execution, or ErrNotFound if
// it was never admitted or has since been pruned by retention.
func (rt *Runtime) GetResult(executionID string) (stream.Record, error) {
	s := rt.streamFor(executionID)
	if s == nil {
		return stream.Record{}, stream.ErrNotFound
	}
	rec, err := s.GetResult(executionID)
	if errors.Is(err, stream.ErrNotFound) {
		rt.forget(executionID)
	}
	return rec, err
}

// Cancel requests cooperative cancellation of executionID.
func (rt *Runtime) Cancel(executionID string) error {
	s := rt.streamFor(executionID)
	if s == nil {
		return stream.ErrNotFound
	}
	return s.Cancel(executionID)
}

// Resume injects payload into a paused execution and re-drives it past
// its pause node.
func (rt *Runtime) Resume(executionID string, payload map[string]any) error {
	s := rt.streamFor(executionID)
	if s == nil {
		return stream.ErrNotFound
	}
	return s.Resume(executionID, payload)
}

// EventFilter narrows Subscribe's delivered events. A zero-value field
// matches everything for that dimension.
type EventFilter struct {
	StreamID    string
	ExecutionID string
	Kind        string
}

func (f EventFilter) matches(e eventbus.Event) bool {
	if f.StreamID != "" && f.StreamID != e.StreamID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	return true
}

// Subscribe returns a channel of events matching filter and an
// unsubscribe function the caller must eventually call. The returned
// channel is closed when unsubscribe runs or Stop closes the bus.
func (rt *Runtime) Subscribe(filter EventFilter) (<-chan eventbus.Event, func()) {
	sub, unsubscribe := rt.bus.Subscribe()
	out := make(chan eventbus.Event, cap(sub.Events()))
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if filter.matches(e) {
					select {
					case out <- e:
					case <-done:
						return
					}
				}
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		close(done)
		unsubscribe()
	}
}

// ListStreams reports the admission/concurrency state of every
// registered stream.
func (rt *Runtime) ListStreams() []StreamInfo {
	out := make([]StreamInfo, 0, len(rt.streams))
	for id, s := range rt.streams {
		out = append(out, StreamInfo{
			StreamID:         id,
			EntryNode:        s.EntryNode(),
			ConcurrencyLimit: s.ConcurrencyLimit(),
			PendingCount:     s.Pending(),
			RunningCount:     s.Running(),
		})
	}
	return out
}

func (rt *Runtime) streamFor(executionID string) *stream.Stream {
	rt.mu.RLock()
	streamID, ok := rt.execStream[executionID]
	rt.mu.RUnlock()
	if !ok {
		return nil
	}
	return rt.streams[streamID]
}

func (rt *Runtime) forget(executionID string) {
	rt.mu.Lock()
	delete(rt.execStream, executionID)
	rt.mu.Unlock()
}

// goalFromEvent extracts the aggregator's goal label from an event's
// metadata. This runtime does not attach goal labels to events itself —
// that is a per-agent concern layered on top of the bus — so every event
// rolls up under the empty-string goal unless a caller's own handler code
// sets event.Meta["goal"] before publishing through a custom
// collaborator.
func goalFromEvent(e eventbus.Event) string {
	if g, ok := e.Meta["goal"].(string); ok {
		return g
	}
	return ""
}

// runMetricsLoop subscribes to the bus and keeps Metrics' gauges/counters
// current, plus polling each stream's pending/running counts on an
// interval since those are pull, not push, values.
func (rt *Runtime) runMetricsLoop() (stop func()) {
	sub, unsubscribe := rt.bus.Subscribe()
	done := make(chan struct{})
	ticker := time.NewTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				rt.observeEvent(e)
			case <-ticker.C:
				rt.pollGauges()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsubscribe()
	}
}

func (rt *Runtime) observeEvent(e eventbus.Event) {
	switch e.Kind {
	case eventbus.KindCompleted:
		rt.metrics.observeTerminal(e.StreamID, "completed")
	case eventbus.KindFailed:
		rt.metrics.observeTerminal(e.StreamID, "failed")
	case eventbus.KindCancelled:
		rt.metrics.observeTerminal(e.StreamID, "cancelled")
	case eventbus.KindPaused:
		rt.metrics.observePaused(e.StreamID, e.NodeID)
	case eventbus.KindDecision:
		status, _ := e.Meta["status"].(string)
		durMS, _ := e.Meta["duration_ms"].(int64)
		attempt, _ := e.Meta["attempt"].(int)
		rt.metrics.observeNodeAttempt(e.StreamID, e.NodeID, status, float64(durMS), attempt > 1)
	}
}

func (rt *Runtime) pollGauges() {
	for id, s := range rt.streams {
		rt.metrics.setGauges(id, s.Pending(), s.Running())
	}
	rt.metrics.setDropped(rt.bus.DroppedCount())
}
