package runtime

import (
	"log/slog"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
	"github.com/agentrt/agentrt/stream"
	"github.com/agentrt/agentrt/trace"
	"github.com/prometheus/client_golang/prometheus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// entryPointConfig is one registered entry point awaiting Stream
// construction during New.
type entryPointConfig struct {
	streamID string
	nodeID   string
	opts     []stream.Option
}

// config collects Runtime construction options, following the same
// functional-options idiom as graph.New(reducer, store, emitter,
// options...) in the underlying execution core.
type config struct {
	entryPoints      []entryPointConfig
	subgraphs        map[string]*graphmodel.Graph
	busQueueDepth    int
	shutdownDeadline time.Duration
	logger           *slog.Logger
	tracer           oteltrace.Tracer
	promRegisterer   prometheus.Registerer
	storageRoot      string
	traceStore       trace.Store
}

// Option configures a Runtime at construction time.
type Option func(*config)

func defaultConfig() config {
	return config{
		subgraphs:        make(map[string]*graphmodel.Graph),
		busQueueDepth:    128,
		shutdownDeadline: 30 * time.Second,
		logger:           slog.Default(),
		storageRoot:      "./agentrt-traces",
	}
}

// WithEntryPoint registers a named entry point bound to nodeID, the node
// an admitted execution on this stream starts its traversal at — multiple
// entry points may share one graph. streamOpts configure that entry
// point's Stream (concurrency, retention, ...).
func WithEntryPoint(streamID, nodeID string, streamOpts ...stream.Option) Option {
	return func(c *config) {
		c.entryPoints = append(c.entryPoints, entryPointConfig{streamID: streamID, nodeID: nodeID, opts: streamOpts})
	}
}

// WithSubgraph registers g as a delegation target for KindSubagent nodes
// naming graphID, wired straight through to executor.Executor.RegisterSubgraph.
func WithSubgraph(graphID string, g *graphmodel.Graph) Option {
	return func(c *config) {
		c.subgraphs[graphID] = g
	}
}

// WithBusQueueDepth sets the per-subscriber bounded queue depth for the
// runtime's event bus. Default 128.
func WithBusQueueDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.busQueueDepth = n
		}
	}
}

// WithGracefulShutdown sets the Stop deadline: streams get this long to
// drain in-flight executions before Stop force-cancels whatever remains.
// Default 30s.
func WithGracefulShutdown(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shutdownDeadline = d
		}
	}
}

// WithLogger overrides the *slog.Logger used for runtime- and stream-
// level lifecycle logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer supplies an OpenTelemetry tracer wrapping Trigger/
// TriggerAndWait/Start/Stop in spans. Defaults to otel.Tracer from the
// global provider when unset, which is a no-op tracer while no provider
// is configured.
func WithTracer(t oteltrace.Tracer) Option {
	return func(c *config) {
		c.tracer = t
	}
}

// WithPrometheusRegisterer registers runtime/stream gauges and counters
// with reg instead of the default global registerer.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.promRegisterer = reg
	}
}

// WithTraceStorageRoot sets the filesystem root every stream writes
// terminal trace JSON artifacts under.
func WithTraceStorageRoot(root string) Option {
	return func(c *config) {
		if root != "" {
			c.storageRoot = root
		}
	}
}

// WithTraceStore additionally persists every terminal trace through a
// queryable trace.Store (SQLite/MySQL-backed).
func WithTraceStore(s trace.Store) Option {
	return func(c *config) {
		c.traceStore = s
	}
}
