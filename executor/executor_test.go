package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
)

type recordingRecorder struct {
	decisions []Decision
}

func (r *recordingRecorder) RecordDecision(d Decision) {
	r.decisions = append(r.decisions, d)
}

func buildStraightLineGraph(t *testing.T) *graphmodel.Graph {
	t.Helper()
	b := graphmodel.NewBuilder("g1")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Outputs: []string{"x"}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction, Inputs: []string{"x"}})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return g
}

func TestExecutor_RunCompletesStraightLine(t *testing.T) {
	g := buildStraightLineGraph(t)
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			v, _ := sc.Get(scope.Private, "x")
			if v != 1 {
				t.Fatalf("B did not see A's output, got %v", v)
			}
			return nil, nil
		},
	}))

	rec := &recordingRecorder{}
	ex := New(reg, scope.NewManager(), rec)
	result := ex.Run(context.Background(), g, "exec-1", "stream-1", nil)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Err)
	}
	if len(rec.decisions) != 2 {
		t.Fatalf("expected 2 recorded decisions, got %d", len(rec.decisions))
	}
}

func TestExecutor_RetriesOnFailureThenSucceeds(t *testing.T) {
	b := graphmodel.NewBuilder("g2")
	b.AddNode(graphmodel.Node{
		ID:   "A",
		Kind: graphmodel.KindFunction,
		Retry: &graphmodel.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
	})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	attempts := 0
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-2", "stream-1", nil)
	if result.Status != StatusCompleted {
		t.Fatalf("expected eventual success, got %v (%v)", result.Status, result.Err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecutor_VisitBudgetExceeded(t *testing.T) {
	b := graphmodel.NewBuilder("g3")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, VisitBudget: 2})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "A", Cond: graphmodel.Condition{Type: graphmodel.ConditionPredicate, Expr: "true"}})
	b.SetEntry("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return nil, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-3", "stream-1", nil)
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrVisitBudgetExceeded) {
		t.Fatalf("expected visit budget exceeded, got %v (%v)", result.Status, result.Err)
	}
}

func TestExecutor_SuspendsOnPauseNode(t *testing.T) {
	b := graphmodel.NewBuilder("g4")
	b.AddNode(graphmodel.Node{ID: "P", Kind: graphmodel.KindPause, Pause: &graphmodel.PausePolicy{Message: "confirm"}})
	b.SetEntry("P")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-4", "stream-1", nil)
	if result.Status != StatusSuspended || result.PauseToken == "" {
		t.Fatalf("expected suspended with a token, got %+v", result)
	}
}

func TestExecutor_CancellationStopsAtStepBoundary(t *testing.T) {
	b := graphmodel.NewBuilder("g5")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, VisitBudget: 1000})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "A", Cond: graphmodel.Condition{Type: graphmodel.ConditionPredicate, Expr: "true"}})
	b.SetEntry("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := nodekind.NewRegistry()
	calls := 0
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(ctx, g, "exec-5", "stream-1", nil)
	if result.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", result.Status)
	}
}

func TestExecutor_OnFailureEdgeRoutesToRecoveryNode(t *testing.T) {
	b := graphmodel.NewBuilder("g7")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction})
	b.AddNode(graphmodel.Node{ID: "D", Kind: graphmodel.KindFunction})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "D", Cond: graphmodel.Condition{Type: graphmodel.ConditionOnFailure}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	b.MarkTerminal("D")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	ranB, ranD := false, false
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return nil, errors.New("unrecoverable")
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			ranB = true
			return nil, nil
		},
		"D": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			ranD = true
			return nil, nil
		},
	}))

	rec := &recordingRecorder{}
	ex := New(reg, scope.NewManager(), rec)
	result := ex.Run(context.Background(), g, "exec-7", "stream-1", nil)
	if result.Status != StatusCompleted {
		t.Fatalf("expected completion via the on-failure edge, got %v (%v)", result.Status, result.Err)
	}
	if !ranD || ranB {
		t.Fatalf("expected D to run and B to be skipped, got ranD=%v ranB=%v", ranD, ranB)
	}
	if rec.decisions[0].RouteTaken != "on-failure" {
		t.Fatalf("expected A's decision to record the on-failure route, got %q", rec.decisions[0].RouteTaken)
	}
}

func TestExecutor_FailureNeverTakesUnconditionalEdge(t *testing.T) {
	b := graphmodel.NewBuilder("g8")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return nil, errors.New("boom")
		},
		"B": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			t.Fatal("B must not run after A failed")
			return nil, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-8", "stream-1", nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %v", result.Status)
	}
}

func TestExecutor_ValidationRetryFeedsBackAndSucceeds(t *testing.T) {
	b := graphmodel.NewBuilder("g9")
	b.AddNode(graphmodel.Node{
		ID:      "A",
		Kind:    graphmodel.KindFunction,
		Outputs: []string{"x"},
		Validation: &graphmodel.ValidationPolicy{
			MaxRetries: 2,
			Schema:     &graphmodel.Schema{Required: map[string]string{"x": "number"}},
		},
	})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	var feedback []string
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			if fb, ok := nodekind.ValidationFeedbackFromContext(ctx); ok {
				feedback = append(feedback, fb)
				return map[string]any{"x": 1}, nil
			}
			return map[string]any{"x": "not a number"}, nil
		},
	}))

	rec := &recordingRecorder{}
	ex := New(reg, scope.NewManager(), rec)
	result := ex.Run(context.Background(), g, "exec-9", "stream-1", nil)
	if result.Status != StatusCompleted {
		t.Fatalf("expected success after a validation retry, got %v (%v)", result.Status, result.Err)
	}
	if len(feedback) != 1 {
		t.Fatalf("expected the handler to see validator feedback once, got %d", len(feedback))
	}
	if len(rec.decisions) != 2 {
		t.Fatalf("expected the rejected attempt and the corrected attempt recorded, got %d", len(rec.decisions))
	}
}

func TestExecutor_ValidationRetriesExhaustedFails(t *testing.T) {
	b := graphmodel.NewBuilder("g10")
	b.AddNode(graphmodel.Node{
		ID:      "A",
		Kind:    graphmodel.KindFunction,
		Outputs: []string{"x"},
		Validation: &graphmodel.ValidationPolicy{
			MaxRetries: 1,
			Schema:     &graphmodel.Schema{Required: map[string]string{"x": "number"}},
		},
	})
	b.SetEntry("A")
	b.MarkTerminal("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": "still wrong"}, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-10", "stream-1", nil)
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrValidationFailed) {
		t.Fatalf("expected ValidationFailed after retries exhausted, got %v (%v)", result.Status, result.Err)
	}
}

func TestExecutor_NoEdgeMatchedOnNonTerminal(t *testing.T) {
	b := graphmodel.NewBuilder("g11")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Outputs: []string{"x"}})
	b.AddNode(graphmodel.Node{ID: "B", Kind: graphmodel.KindFunction})
	b.AddEdge(graphmodel.Edge{Source: "A", Target: "B", Cond: graphmodel.Condition{Type: graphmodel.ConditionPredicate, Expr: "x > 100"}})
	b.SetEntry("A")
	b.MarkTerminal("B")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"A": func(ctx context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		},
	}))

	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-11", "stream-1", nil)
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrNoEdgeMatched) {
		t.Fatalf("expected NoEdgeMatched, got %v (%v)", result.Status, result.Err)
	}
}

func TestExecutor_MissingRequiredInputFails(t *testing.T) {
	b := graphmodel.NewBuilder("g6")
	b.AddNode(graphmodel.Node{ID: "A", Kind: graphmodel.KindFunction, Inputs: []string{"needed"}})
	b.SetEntry("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	reg := nodekind.NewRegistry()
	ex := New(reg, scope.NewManager(), nil)
	result := ex.Run(context.Background(), g, "exec-6", "stream-1", nil)
	if result.Status != StatusFailed || !errors.Is(result.Err, ErrMissingInput) {
		t.Fatalf("expected missing input failure, got %v (%v)", result.Status, result.Err)
	}
}
