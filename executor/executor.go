// Package executor drives one execution of a graphmodel.Graph to
// completion, suspension, or failure: dispatching each node through
// nodekind, enforcing visit budgets and retry policies, evaluating edge
// conditions, and recording a Decision for every step.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/internal/safeexpr"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/scope"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Status is the terminal disposition of a Run call.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusSuspended
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSuspended:
		return "suspended"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Decision is one recorded step: which node ran, what it decided, and
// where control went next. The trace package persists these. Attempt is
// 1-based: a node retried twice records attempts 1, 2, and 3.
type Decision struct {
	ExecutionID  string
	Step         int
	NodeID       string
	Attempt      int
	Status       nodekind.Status
	Err          string
	RouteTaken   string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// DecisionRecorder receives one Decision per node attempt. trace.Collector
// implements this; tests may use a simple slice-appending stub.
type DecisionRecorder interface {
	RecordDecision(d Decision)
}

// Result is returned by Run.
type Result struct {
	Status      Status
	PauseToken  string
	PauseNodeID string
	Err         error
}

// Executor runs one graph against one execution's scope.
type Executor struct {
	registry    *nodekind.Registry
	scopeMgr    *scope.Manager
	recorder    DecisionRecorder
	tracer      oteltrace.Tracer
	defaultBase time.Duration
	defaultMax  time.Duration
	subs        *subgraphs
}

// New builds an Executor. recorder may be nil to skip decision recording
// (runtime.New builds its shared Executor this way; each stream execution
// attaches its own recorder through WithRecorder).
func New(registry *nodekind.Registry, scopeMgr *scope.Manager, recorder DecisionRecorder) *Executor {
	return &Executor{
		registry:    registry,
		scopeMgr:    scopeMgr,
		recorder:    recorder,
		tracer:      otel.Tracer("github.com/agentrt/agentrt/executor"),
		defaultBase: 100 * time.Millisecond,
		defaultMax:  10 * time.Second,
		subs:        &subgraphs{},
	}
}

// WithRecorder returns a shallow copy of ex bound to a different
// recorder, sharing the same registry, scope manager, and registered
// subgraphs. stream.Stream uses this to give each admitted execution its
// own trace.Collector while every execution in the stream still shares
// one node registry and scope manager.
func (ex *Executor) WithRecorder(recorder DecisionRecorder) *Executor {
	clone := *ex
	clone.recorder = recorder
	return &clone
}

// Run executes graph starting at its entry node for executionID/streamID,
// seeding the private scope with initialInputs. It returns once the graph
// reaches a terminal node, a pause node (Suspended), a non-retryable
// failure, or ctx is cancelled at a step boundary.
func (ex *Executor) Run(ctx context.Context, graph *graphmodel.Graph, executionID, streamID string, initialInputs map[string]any) Result {
	return ex.RunAt(ctx, graph, executionID, streamID, graph.Entry(), initialInputs)
}

// RunAt is Run with an explicit starting node, used by stream.Stream to
// let several streams share one graph while each starts its traversal at
// a different declared entry node, without mutating the shared graph.
func (ex *Executor) RunAt(ctx context.Context, graph *graphmodel.Graph, executionID, streamID, startNode string, initialInputs map[string]any) Result {
	ex.scopeMgr.CreatePrivate(executionID)
	for k, v := range initialInputs {
		ex.scopeMgr.Set(scope.Private, executionID, k, v)
	}
	return ex.runFrom(ctx, graph, executionID, streamID, startNode, 0)
}

// Resume continues a suspended execution starting at fromNode — the
// first node after the pause point. The caller (stream) is responsible
// for writing the resume payload into the private scope under the pause
// node's declared output keys before calling Resume. Visit counters
// persist across the suspension since they live in the scope manager,
// not in Run's call stack.
func (ex *Executor) Resume(ctx context.Context, graph *graphmodel.Graph, executionID, streamID, fromNode string) Result {
	return ex.runFrom(ctx, graph, executionID, streamID, fromNode, 0)
}

// runFrom is the shared step loop used by both a fresh Run and a
// post-pause Resume. startStep is the Step number of the first decision
// recorded; Run and Resume both pass 0, so a resumed traversal numbers
// its decisions from zero again and trace order is the order in which
// decisions were recorded.
func (ex *Executor) runFrom(ctx context.Context, graph *graphmodel.Graph, executionID, streamID, startNode string, startStep int) Result {
	rng := rand.New(rand.NewSource(seedFrom(executionID)))
	current := startNode
	step := startStep

	for {
		select {
		case <-ctx.Done():
			return Result{Status: StatusCancelled, Err: ctx.Err()}
		default:
		}

		node, ok := graph.Node(current)
		if !ok {
			return Result{Status: StatusFailed, Err: &Error{ExecutionID: executionID, NodeID: current, Message: "node not found in graph"}}
		}

		visitCount := ex.incrVisit(executionID, current)
		if node.VisitBudget > 0 && visitCount > node.VisitBudget {
			return Result{Status: StatusFailed, Err: fmt.Errorf("%w: node %q visited %d times (budget %d)", ErrVisitBudgetExceeded, current, visitCount, node.VisitBudget)}
		}

		if err := ex.checkInputsPresent(executionID, node); err != nil {
			return Result{Status: StatusFailed, Err: err}
		}

		sc := scope.NewExecutionScope(ex.scopeMgr, executionID, streamID, node.ID, node.Outputs)

		// Dispatch, re-running the handler with validator feedback while
		// the node's validation retry budget lasts.
		var outcome nodekind.Outcome
		var attempt int
		var dur time.Duration
		dctx := ctx
		valAttempts := 0
		for {
			var err error
			outcome, attempt, dur, err = ex.dispatchWithRetry(dctx, node, sc, rng, executionID, streamID, &step)
			if err != nil {
				if ctx.Err() != nil {
					return Result{Status: StatusCancelled, Err: ctx.Err()}
				}
				return Result{Status: StatusFailed, Err: err}
			}
			if outcome.Status != nodekind.StatusSuccess {
				break
			}
			verr := ex.applyValidation(node, outcome.Outputs)
			if verr == nil {
				break
			}
			if node.Validation == nil || valAttempts >= node.Validation.MaxRetries {
				ex.record(executionID, step, node.ID, attempt, dur, outcome, "")
				return Result{Status: StatusFailed, Err: verr}
			}
			valAttempts++
			ex.record(executionID, step, node.ID, attempt, dur, nodekind.Outcome{Status: nodekind.StatusFailure, Err: verr}, "")
			step++
			dctx = nodekind.WithValidationFeedback(ctx, verr.Error())
		}

		// An outcome produced by a handler that outlived cancellation is
		// discarded, not acted on.
		if ctx.Err() != nil {
			return Result{Status: StatusCancelled, Err: ctx.Err()}
		}

		switch outcome.Status {
		case nodekind.StatusSuspend:
			ex.record(executionID, step, node.ID, attempt, dur, outcome, "")
			return Result{Status: StatusSuspended, PauseToken: outcome.PauseToken, PauseNodeID: node.ID}
		case nodekind.StatusFailure:
			if target, ok := ex.failureEdge(graph, node); ok {
				ex.record(executionID, step, node.ID, attempt, dur, outcome, "on-failure")
				step++
				current = target
				continue
			}
			ex.record(executionID, step, node.ID, attempt, dur, outcome, "")
			msg := "node failed"
			if outcome.Err != nil {
				msg = outcome.Err.Error()
			}
			return Result{Status: StatusFailed, Err: &Error{ExecutionID: executionID, NodeID: node.ID, Message: msg, Cause: outcome.Err}}
		}

		if err := ex.writeOutputs(sc, node, outcome.Outputs); err != nil {
			ex.record(executionID, step, node.ID, attempt, dur, outcome, "")
			return Result{Status: StatusFailed, Err: err}
		}

		next, routed, found := ex.nextNode(graph, node, outcome, executionID)
		if !found {
			ex.record(executionID, step, node.ID, attempt, dur, outcome, "")
			if graph.IsTerminal(node.ID) {
				return Result{Status: StatusCompleted}
			}
			return Result{Status: StatusFailed, Err: fmt.Errorf("%w: node %q succeeded but no edge condition held", ErrNoEdgeMatched, node.ID)}
		}
		ex.record(executionID, step, node.ID, attempt, dur, outcome, routed)
		step++
		current = next
	}
}

// dispatchWithRetry dispatches node, retrying failures per node.Retry up
// to MaxAttempts, sleeping computeBackoff between attempts. It returns
// the final outcome, its zero-based attempt index, and how long that
// final dispatch took.
func (ex *Executor) dispatchWithRetry(ctx context.Context, node graphmodel.Node, sc *scope.ExecutionScope, rng *rand.Rand, executionID, streamID string, step *int) (nodekind.Outcome, int, time.Duration, error) {
	maxAttempts := 1
	var base, maxDelay time.Duration = ex.defaultBase, ex.defaultMax
	if node.Retry != nil {
		if node.Retry.MaxAttempts > 0 {
			maxAttempts = node.Retry.MaxAttempts
		}
		if node.Retry.BaseDelay > 0 {
			base = node.Retry.BaseDelay
		}
		if node.Retry.MaxDelay > 0 {
			maxDelay = node.Retry.MaxDelay
		}
	}

	var outcome nodekind.Outcome
	var dur time.Duration
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nodekind.Outcome{}, attempt, 0, ctx.Err()
		default:
		}

		sctx, span := ex.tracer.Start(ctx, "executor.dispatch", oteltrace.WithAttributes(
			attribute.String("agentrt.node_id", node.ID),
			attribute.String("agentrt.node_kind", string(node.Kind)),
			attribute.Int("agentrt.attempt", attempt+1),
		))
		start := time.Now()
		outcome = ex.registry.Dispatch(sctx, node, sc)
		dur = time.Since(start)
		if outcome.Status == nodekind.StatusFailure && outcome.Err != nil {
			span.SetStatus(codes.Error, outcome.Err.Error())
		}
		span.End()
		if outcome.Status != nodekind.StatusFailure {
			return outcome, attempt, dur, nil
		}

		retryable := !outcome.NonRetryable
		if retryable && node.Retry != nil && node.Retry.RetryOn != nil {
			retryable = node.Retry.RetryOn(classifyError(outcome.Err))
		}
		if !retryable || attempt == maxAttempts-1 {
			return outcome, attempt, dur, nil
		}

		ex.record(executionID, *step, node.ID, attempt, dur, outcome, "")
		*step++

		delay := computeBackoff(attempt, base, maxDelay, rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nodekind.Outcome{}, attempt, dur, ctx.Err()
		}
	}
	return outcome, maxAttempts - 1, dur, nil
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// visitKeyPrefix namespaces the scope manager's private tier so visit
// counters never collide with a node's declared output keys — the ACL in
// scope.ExecutionScope.Set never applies here since incrVisit writes
// through the manager directly, not through an ExecutionScope.
const visitKeyPrefix = "__visit__:"

func (ex *Executor) incrVisit(executionID, nodeID string) int {
	key := visitKeyPrefix + nodeID
	var count int
	ex.scopeMgr.Update(scope.Private, executionID, key, func(prev any, ok bool) any {
		if ok {
			count = prev.(int) + 1
		} else {
			count = 1
		}
		return count
	})
	return count
}

func (ex *Executor) checkInputsPresent(executionID string, node graphmodel.Node) error {
	for _, key := range node.Inputs {
		if _, ok := ex.scopeMgr.Get(scope.Private, executionID, key); !ok {
			return fmt.Errorf("%w: node %q requires input %q", ErrMissingInput, node.ID, key)
		}
	}
	return nil
}

func (ex *Executor) applyValidation(node graphmodel.Node, outputs map[string]any) error {
	if node.Validation == nil || node.Validation.Schema == nil {
		return nil
	}
	if err := node.Validation.Schema.Validate(outputs); err != nil {
		return fmt.Errorf("%w: node %q: %v", ErrValidationFailed, node.ID, err)
	}
	return nil
}

func (ex *Executor) writeOutputs(sc *scope.ExecutionScope, node graphmodel.Node, outputs map[string]any) error {
	for _, key := range node.Outputs {
		v, ok := outputs[key]
		if !ok {
			continue
		}
		if err := sc.Set(scope.Private, key, v); err != nil {
			return err
		}
	}
	return nil
}

// nextNode evaluates a successful node's outgoing edges in declaration
// priority order and reports the first whose condition holds: a
// router-label match for router nodes, predicate edges over the current
// scope, and on-success/unconditional edges. On-failure edges are never
// taken for a success; predicate evaluation errors degrade the edge to
// not-taken.
func (ex *Executor) nextNode(graph *graphmodel.Graph, node graphmodel.Node, outcome nodekind.Outcome, executionID string) (string, string, bool) {
	edges := graph.OutgoingEdges(node.ID)
	scopeValues, _ := ex.scopeMgr.Snapshot(scope.Private, executionID)

	for _, e := range edges {
		switch e.Cond.Type {
		case graphmodel.ConditionRouterLabel:
			if e.Cond.Label == outcome.RouterLabel {
				return e.Target, e.Cond.Label, true
			}
		case graphmodel.ConditionOnSuccess:
			return e.Target, "on-success", true
		case graphmodel.ConditionPredicate:
			expr, err := safeexpr.Parse(e.Cond.Expr)
			if err != nil {
				continue
			}
			matched, err := expr.Eval(scopeValues)
			if err == nil && matched {
				return e.Target, e.Cond.Expr, true
			}
		case graphmodel.ConditionUnconditional:
			return e.Target, "", true
		}
	}
	return "", "", false
}

// failureEdge reports the first on-failure edge leaving node, if any.
func (ex *Executor) failureEdge(graph *graphmodel.Graph, node graphmodel.Node) (string, bool) {
	for _, e := range graph.OutgoingEdges(node.ID) {
		if e.Cond.Type == graphmodel.ConditionOnFailure {
			return e.Target, true
		}
	}
	return "", false
}

func (ex *Executor) record(executionID string, step int, nodeID string, attempt int, dur time.Duration, outcome nodekind.Outcome, routeTaken string) {
	if ex.recorder == nil {
		return
	}
	d := Decision{
		ExecutionID:  executionID,
		Step:         step,
		NodeID:       nodeID,
		Attempt:      attempt + 1,
		Status:       outcome.Status,
		RouteTaken:   routeTaken,
		Duration:     dur,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		CostUSD:      outcome.CostUSD,
		Timestamp:    time.Now(),
	}
	if outcome.Err != nil {
		d.Err = outcome.Err.Error()
	}
	ex.recorder.RecordDecision(d)
}

// StripInternalKeys removes the executor's private bookkeeping entries
// (visit counters) from a scope snapshot before it is handed to callers
// as an execution result or trace snapshot.
func StripInternalKeys(snap map[string]any) {
	for k := range snap {
		if len(k) > len(visitKeyPrefix) && k[:len(visitKeyPrefix)] == visitKeyPrefix {
			delete(snap, k)
		}
	}
}

// seedFrom derives a deterministic RNG seed from an execution id, the
// same technique the underlying execution core uses to seed per-run
// randomness for reproducible replay.
func seedFrom(executionID string) int64 {
	h := sha256.Sum256([]byte(executionID))
	return int64(binary.BigEndian.Uint64(h[:8]))
}
