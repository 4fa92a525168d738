package stream

import (
	"log/slog"
	"time"

	"github.com/agentrt/agentrt/trace"
)

// config collects Stream construction options, following the functional
// options idiom the underlying execution core uses throughout its own
// Options/Option pair.
type config struct {
	concurrency   int
	retentionMax  int
	retentionTTL  time.Duration
	sweepInterval time.Duration
	pauseTimeout  time.Duration
	logger        *slog.Logger
	storageRoot   string
	store         trace.Store
}

// Option configures a Stream at construction time.
type Option func(*config)

func defaultConfig() config {
	return config{
		concurrency:   8,
		retentionMax:  1000,
		retentionTTL:  24 * time.Hour,
		sweepInterval: time.Minute,
		pauseTimeout:  0, // 0 means "no default timeout"; a node's own PausePolicy.Timeout still applies
		logger:        slog.Default(),
		storageRoot:   "./agentrt-traces",
	}
}

// WithConcurrency sets the stream's concurrency gate size — the maximum
// number of executions this stream runs simultaneously. Default 8.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetention sets the two-dimensional retention policy: terminal
// records older than ttl, or exceeding maxCount beyond the newest
// maxCount, are pruned.
func WithRetention(maxCount int, ttl time.Duration) Option {
	return func(c *config) {
		if maxCount > 0 {
			c.retentionMax = maxCount
		}
		if ttl > 0 {
			c.retentionTTL = ttl
		}
	}
}

// WithSweepInterval controls how often the background retention sweep
// runs. Default one minute.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger overrides the *slog.Logger used for lifecycle logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStorageRoot sets the trace artifact root directory passed to
// trace.WriteJSON on every terminal execution.
func WithStorageRoot(root string) Option {
	return func(c *config) {
		if root != "" {
			c.storageRoot = root
		}
	}
}

// WithStore additionally persists every terminal trace through a
// trace.Store (SQLite/MySQL-backed), alongside the filesystem artifact
// WithStorageRoot controls. Queryable storage is opt-in; nil (the
// default) skips it.
func WithStore(s trace.Store) Option {
	return func(c *config) {
		c.store = s
	}
}
