package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentrt/agentrt/eventbus"
	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
	"github.com/agentrt/agentrt/stream"
	"github.com/prometheus/client_golang/prometheus"
)

// straightLineGraph: A -> B -> C(terminal), function nodes producing
// {x:1} and {y:2}.
func straightLineGraph(t *testing.T) *graphmodel.Graph {
	t.Helper()
	b := graphmodel.NewBuilder("s1")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Outputs: []string{"x"}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction, Inputs: []string{"x"}, Outputs: []string{"y"}})
	b.AddNode(graphmodel.Node{ID: "C", Kind: graphmodel.KindFunction, Inputs: []string{"y"}})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.AddEdge(graphmodel.Edge{Source: "B", Target: "C", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("C")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func straightLineRegistry() *nodekind.Registry {
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"y": 2}, nil
		},
		"C": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return nil, nil
		},
	}))
	return reg
}

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	g := straightLineGraph(t)
	reg := straightLineRegistry()
	allOpts := append([]Option{WithEntryPoint("main", "A"), WithTraceStorageRoot(t.TempDir()), WithPrometheusRegisterer(prometheus.NewRegistry())}, opts...)
	rt, err := New(g, reg, allOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func TestNewRequiresGraphAndRegistry(t *testing.T) {
	if _, err := New(nil, nodekind.NewRegistry(), WithEntryPoint("m", "A")); err == nil {
		t.Fatal("expected error for nil graph")
	}
	g, err := graphmodel.NewBuilder("g").AddNode(graphmodel.Node{ID: "A"}).SetEntry("A").MarkTerminal("A").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := New(g, nil, WithEntryPoint("m", "A")); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNewRequiresAtLeastOneEntryPoint(t *testing.T) {
	g, err := graphmodel.NewBuilder("g").AddNode(graphmodel.Node{ID: "A"}).SetEntry("A").MarkTerminal("A").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := New(g, nodekind.NewRegistry()); err == nil {
		t.Fatal("expected error when no entry point is registered")
	}
}

func TestNewRejectsUnknownEntryPointNode(t *testing.T) {
	g := straightLineGraph(t)
	if _, err := New(g, straightLineRegistry(), WithEntryPoint("main", "does-not-exist")); !errors.Is(err, ErrUnknownEntryPoint) {
		t.Fatalf("expected ErrUnknownEntryPoint, got %v", err)
	}
}

func TestTriggerAndWaitStraightLineSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	rec, err := rt.TriggerAndWait(context.Background(), "main", map[string]any{}, 2*time.Second)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if rec.Status != stream.StatusCompleted {
		t.Fatalf("status = %v, want completed", rec.Status)
	}
	if rec.Result["x"] != 1 || rec.Result["y"] != 2 {
		t.Fatalf("result = %+v, want x:1 y:2", rec.Result)
	}
}

func TestTriggerUnknownStream(t *testing.T) {
	rt := newTestRuntime(t)
	if _, err := rt.Trigger(context.Background(), "does-not-exist", map[string]any{}); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}
}

func TestGetResultRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	id, err := rt.Trigger(context.Background(), "main", map[string]any{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := rt.GetResult(id)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if rec.Status == stream.StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never reached completed status")
}

func TestGetResultUnknownExecution(t *testing.T) {
	rt := newTestRuntime(t)
	if _, err := rt.GetResult("nope"); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Cancel("nope"); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeUnknownExecution(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Resume("nope", nil); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStreamsReportsConfiguredStream(t *testing.T) {
	rt := newTestRuntime(t)
	infos := rt.ListStreams()
	if len(infos) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(infos))
	}
	if infos[0].StreamID != "main" || infos[0].EntryNode != "A" {
		t.Fatalf("unexpected stream info: %+v", infos[0])
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	rt := newTestRuntime(t)
	events, unsubscribe := rt.Subscribe(EventFilter{Kind: eventbus.KindCompleted})
	defer unsubscribe()

	if _, err := rt.Trigger(context.Background(), "main", map[string]any{}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != eventbus.KindCompleted {
			t.Fatalf("filter leaked event kind %q", e.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered completed event")
	}
}

func TestStartTwiceFails(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStopWithoutStartFails(t *testing.T) {
	g := straightLineGraph(t)
	rt, err := New(g, straightLineRegistry(), WithEntryPoint("main", "A"), WithTraceStorageRoot(t.TempDir()), WithPrometheusRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
