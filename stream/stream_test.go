package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrt/agentrt/eventbus"
	"github.com/agentrt/agentrt/executor"
	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
	"github.com/agentrt/agentrt/trace"
)

func newTestStream(t *testing.T, g *graphmodel.Graph, reg *nodekind.Registry, opts ...Option) (*Stream, *eventbus.Bus) {
	t.Helper()
	scopeMgr := scope.NewManager()
	ex := executor.New(reg, scopeMgr, nil)
	bus := eventbus.NewBus(64)
	allOpts := append([]Option{WithStorageRoot(t.TempDir())}, opts...)
	s, err := New("test-stream", g, g.Entry(), ex, scopeMgr, bus, allOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s, bus
}

func straightLineGraph(t *testing.T) *graphmodel.Graph {
	t.Helper()
	b := graphmodel.NewBuilder("g1")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Outputs: []string{"x"}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction, Inputs: []string{"x"}, Outputs: []string{"y"}})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestStream_StraightLineSuccess(t *testing.T) {
	g := straightLineGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"y": 2}, nil
		},
	}))

	s, bus := newTestStream(t, g, reg)
	sub, unsub := bus.Subscribe()
	defer unsub()

	rec, err := s.TriggerAndWait(context.Background(), map[string]any{}, 2*time.Second)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v (%v)", rec.Status, rec.Err)
	}
	if rec.Result["x"] != 1 || rec.Result["y"] != 2 {
		t.Fatalf("unexpected result: %+v", rec.Result)
	}

	var kinds []string
	for {
		select {
		case e := <-sub.Events():
			kinds = append(kinds, e.Kind)
		default:
			goto done
		}
	}
done:
	if len(kinds) < 2 || kinds[0] != eventbus.KindStarted || kinds[len(kinds)-1] != eventbus.KindCompleted {
		t.Fatalf("unexpected event sequence: %v", kinds)
	}
}

func pauseGraph(t *testing.T) *graphmodel.Graph {
	t.Helper()
	b := graphmodel.NewBuilder("g2")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Outputs: []string{"x"}})
	b.AddNode(graphmodel.Node{ID: "P", Kind: graphmodel.KindPause, Outputs: []string{"approved"}, Pause: &graphmodel.PausePolicy{Message: "need approval"}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction, Inputs: []string{"approved"}, Outputs: []string{"done"}})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "P", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.AddEdge(graphmodel.Edge{Source: "P", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestStream_PauseAndResume(t *testing.T) {
	g := pauseGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			v, _ := sc.Get(scope.Private, "approved")
			if v != true {
				t.Errorf("B expected approved=true in scope, got %v", v)
			}
			return map[string]any{"done": true}, nil
		},
	}))
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())

	s, _ := newTestStream(t, g, reg)

	id, err := s.Trigger(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	rec, err := s.Wait(id, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != StatusPaused {
		t.Fatalf("expected paused, got %v", rec.Status)
	}
	if rec.PauseNodeID != "P" {
		t.Fatalf("expected pause at P, got %q", rec.PauseNodeID)
	}

	if err := s.Resume(id, map[string]any{"approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final, err := s.Wait(id, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %v (%v)", final.Status, final.Err)
	}

	if err := s.Resume(id, map[string]any{"approved": true}); err != ErrAlreadyTerminal {
		t.Fatalf("expected AlreadyTerminal on resume after completion, got %v", err)
	}
}

func TestStream_TraceSpansPauseAndResume(t *testing.T) {
	g := pauseGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	}))
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())

	root := t.TempDir()
	s, _ := newTestStream(t, g, reg, WithStorageRoot(root))

	id, err := s.Trigger(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := s.Wait(id, 2*time.Second); err != nil {
		t.Fatalf("Wait for pause: %v", err)
	}
	if err := s.Resume(id, map[string]any{"approved": true}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := s.Wait(id, 2*time.Second); err != nil {
		t.Fatalf("Wait for completion: %v", err)
	}

	tr, err := trace.ReadJSON(root, "test-stream", id)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	// A, the pause at P, and B after resume must share one trace.
	if len(tr.Decisions) != 3 {
		t.Fatalf("expected 3 decisions spanning the pause, got %d: %+v", len(tr.Decisions), tr.Decisions)
	}
	if tr.Status != string(StatusCompleted) {
		t.Fatalf("expected trace status completed, got %q", tr.Status)
	}
	var points []string
	for _, snap := range tr.Snapshots {
		points = append(points, snap.Point)
	}
	if len(points) < 2 || points[0] != "pause" || points[len(points)-1] != "terminal" {
		t.Fatalf("expected pause then terminal snapshots, got %v", points)
	}
}

func TestStream_ResumeIdempotence(t *testing.T) {
	g := pauseGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	}))
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())

	s, _ := newTestStream(t, g, reg)
	id, err := s.Trigger(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := s.Wait(id, 2*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	err1 := s.Resume(id, map[string]any{"approved": true})
	err2 := s.Resume(id, map[string]any{"approved": true})
	if err1 != nil {
		t.Fatalf("first resume should succeed, got %v", err1)
	}
	if err2 != ErrAlreadyResumed && err2 != ErrAlreadyTerminal {
		t.Fatalf("second resume should report already-resumed/terminal, got %v", err2)
	}
}

func TestStream_PauseTimeout(t *testing.T) {
	b := graphmodel.NewBuilder("g3")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction})
	b.AddNode(graphmodel.Node{ID: "P", Kind: graphmodel.KindPause, Pause: &graphmodel.PausePolicy{Message: "wait", Timeout: 30 * time.Millisecond}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "P", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.AddEdge(graphmodel.Edge{Source: "P", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) { return nil, nil },
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) { return nil, nil },
	}))
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())

	s, _ := newTestStream(t, g, reg)
	id, err := s.Trigger(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	rec, err := s.Wait(id, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != StatusPaused {
		t.Fatalf("expected paused before the timeout, got %v", rec.Status)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		rec, err = s.GetResult(id)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if rec.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pause never timed out, still %v", rec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Status != StatusFailed || rec.Err == nil || rec.Err.Kind != "PauseTimeout" {
		t.Fatalf("expected failed/PauseTimeout, got %v (%v)", rec.Status, rec.Err)
	}
}

func TestStream_ConcurrencyCap(t *testing.T) {
	b := graphmodel.NewBuilder("g4")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var inflight, maxObserved int64
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			cur := atomic.AddInt64(&inflight, 1)
			for {
				old := atomic.LoadInt64(&maxObserved)
				if cur <= old || atomic.CompareAndSwapInt64(&maxObserved, old, cur) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			atomic.AddInt64(&inflight, -1)
			return nil, nil
		},
	}))

	s, _ := newTestStream(t, g, reg, WithConcurrency(2))

	ids := make([]string, 5)
	for i := range ids {
		id, err := s.Trigger(context.Background(), map[string]any{})
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		ids[i] = id
	}
	for _, id := range ids {
		if _, err := s.Wait(id, 2*time.Second); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	if atomic.LoadInt64(&maxObserved) > 2 {
		t.Fatalf("expected at most 2 concurrent executions, observed %d", maxObserved)
	}
}

func TestStream_InvalidInput(t *testing.T) {
	b := graphmodel.NewBuilder("g5")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Inputs: []string{"required"}})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) { return nil, nil },
	}))

	s, _ := newTestStream(t, g, reg)
	if _, err := s.Trigger(context.Background(), map[string]any{}); err != ErrInvalidInput {
		if !isInvalidInput(err) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	}
}

func isInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func TestStream_CancelRunning(t *testing.T) {
	b := graphmodel.NewBuilder("g6")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	started := make(chan struct{})
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	s, _ := newTestStream(t, g, reg)
	id, err := s.Trigger(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started
	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, err := s.Wait(id, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", rec.Status)
	}
	if err := s.Cancel(id); err != ErrAlreadyTerminal {
		t.Fatalf("expected AlreadyTerminal on double cancel, got %v", err)
	}
}

func TestStream_Retention(t *testing.T) {
	g := straightLineGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"y": 2}, nil
		},
	}))

	s, _ := newTestStream(t, g, reg, WithRetention(2, time.Hour))

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := s.TriggerAndWait(context.Background(), map[string]any{}, 2*time.Second)
		if err != nil {
			t.Fatalf("TriggerAndWait: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	if _, err := s.GetResult(ids[0]); err != ErrNotFound {
		t.Fatalf("expected oldest record pruned (ErrNotFound), got %v", err)
	}
	if _, err := s.GetResult(ids[len(ids)-1]); err != nil {
		t.Fatalf("expected newest record retained, got %v", err)
	}
}
