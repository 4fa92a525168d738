// Command agentrtd is a small standalone demonstration of the agent
// execution runtime: it builds a three-node graph (generate, an approval
// pause gate, and finalize), wires it into a Runtime with Prometheus
// metrics exposed over HTTP, triggers one execution, waits for it to
// pause at the approval gate, resumes it with a canned decision, and
// prints the terminal result.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/nodekind"
	"github.com/agentrt/agentrt/runtime"
	"github.com/agentrt/agentrt/scope"
	"github.com/agentrt/agentrt/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func buildGraph() (*graphmodel.Graph, error) {
	b := graphmodel.NewBuilder("approval-workflow")
	b.AddNode(graphmodel.Node{
		ID:      "generate",
		Kind:    graphmodel.KindFunction,
		Outputs: []string{"draft"},
	})
	b.AddNode(graphmodel.Node{
		ID:      "approval-gate",
		Kind:    graphmodel.KindPause,
		Outputs: []string{"approved"},
		Pause:   &graphmodel.PausePolicy{Message: "awaiting human approval", Timeout: 10 * time.Minute},
	})
	b.AddNode(graphmodel.Node{
		ID:      "finalize",
		Kind:    graphmodel.KindFunction,
		Inputs:  []string{"draft", "approved"},
		Outputs: []string{"result"},
	})
	b.AddEdge(graphmodel.Edge{Source: "generate", Target: "approval-gate", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.AddEdge(graphmodel.Edge{Source: "approval-gate", Target: "finalize", Cond: graphmodel.Condition{Type: graphmodel.ConditionUnconditional}})
	b.SetEntry("generate")
	b.MarkTerminal("finalize")
	return b.Build()
}

func buildRegistry() *nodekind.Registry {
	reg := nodekind.NewRegistry()
	reg.Register(graphmodel.KindFunction, nodekind.NewFunctionHandler(map[string]nodekind.Func{
		"generate": func(_ context.Context, _ *scope.ExecutionScope) (map[string]any, error) {
			return map[string]any{"draft": "quarterly summary draft"}, nil
		},
		"finalize": func(_ context.Context, sc *scope.ExecutionScope) (map[string]any, error) {
			draft, _ := sc.Get(scope.Private, "draft")
			approved, _ := sc.Get(scope.Private, "approved")
			return map[string]any{"result": fmt.Sprintf("%v (approved=%v)", draft, approved)}, nil
		},
	}))
	reg.Register(graphmodel.KindPause, nodekind.NewPauseHandler())
	return reg
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer provider shutdown failed", slog.Any("error", err))
		}
	}()

	graph, err := buildGraph()
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	registry := prometheus.NewRegistry()
	rt, err := runtime.New(graph, buildRegistry(),
		runtime.WithEntryPoint("approvals", "generate"),
		runtime.WithLogger(logger),
		runtime.WithPrometheusRegisterer(registry),
		runtime.WithTraceStorageRoot("./agentrtd-traces"),
		runtime.WithGracefulShutdown(15*time.Second),
	)
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := rt.Stop(shutdownCtx); err != nil {
			logger.Error("runtime stop failed", slog.Any("error", err))
		}
		shutdownHTTP, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		_ = metricsSrv.Shutdown(shutdownHTTP)
	}()

	execID, err := rt.Trigger(ctx, "approvals", map[string]any{})
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	logger.Info("execution admitted", slog.String("execution_id", execID))

	rec, err := pollUntil(rt, execID, 5*time.Second, func(r stream.Record) bool {
		return r.Status == stream.StatusPaused || r.Status.Terminal()
	})
	if err != nil {
		return err
	}
	if rec.Status != stream.StatusPaused {
		return fmt.Errorf("execution reached terminal status %q before pausing", rec.Status)
	}
	logger.Info("execution paused", slog.String("execution_id", execID), slog.String("node", rec.PauseNodeID))

	if err := rt.Resume(execID, map[string]any{"approved": true}); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	rec, err = pollUntil(rt, execID, 5*time.Second, func(r stream.Record) bool {
		return r.Status.Terminal()
	})
	if err != nil {
		return fmt.Errorf("final result: %w", err)
	}
	logger.Info("execution finished", slog.String("execution_id", execID), slog.Any("result", rec.Result))
	return nil
}

// pollUntil polls GetResult until done reports true or timeout elapses.
func pollUntil(rt *runtime.Runtime, execID string, timeout time.Duration, done func(stream.Record) bool) (stream.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := rt.GetResult(execID)
		if err != nil {
			return stream.Record{}, err
		}
		if done(rec) {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return stream.Record{}, fmt.Errorf("timed out waiting for execution %s", execID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
