package graph

import (
	"time"

	"github.com/dshills/pregraph/graph/emit"
	"golang.org/x/time/rate"
)

// Observer receives lifecycle events during a run. It is the low-level
// counterpart to the emit package's Emitter: EngineConfig.Observer, when
// set, is invoked synchronously alongside whatever Emitter is configured.
// A panicking Observer is recovered and never propagated as a run failure.
// The panic is discarded: it is not emitted as an event and is not counted
// in the soft-failure metrics.
type Observer func(event ObserverEvent)

// ObserverEvent is a minimal lifecycle notification independent of the
// richer emit.Event shape, for callers who only want a cheap callback
// without pulling in the emit package's Event struct.
type ObserverEvent struct {
	Kind      string // "workflow_start", "superstep_start", "node_start", "node_end", "node_error", "superstep_end", "workflow_end"
	Superstep int
	NodeID    NodeID
}

// EngineConfig configures an Engine's execution behavior. Construct it via
// NewEngineConfig and With* functional options, e.g.:
//
//	cfg := graph.NewEngineConfig(
//	    graph.WithMaxIterations(50),
//	    graph.WithWorkerPoolSize(4),
//	    graph.WithDefaultMergeStrategy(graph.StrategyMerge),
//	)
type EngineConfig struct {
	// MaxIterations caps the number of supersteps a run may execute.
	// Zero means unlimited (use with caution — an ill-formed graph with
	// cycles and no quiescing condition will run forever).
	MaxIterations int

	// FailOnIterationCap, when true, makes Run return ErrIterationCapExceeded
	// as an error if MaxIterations is reached without quiescence. When
	// false (default), Run returns a nil error and a result with
	// TerminatedBy == TerminatedIterationCap.
	FailOnIterationCap bool

	// WorkerPoolSize bounds how many nodes run concurrently within a
	// single superstep. Zero or negative means unbounded (one goroutine
	// per active node).
	WorkerPoolSize int

	// DefaultMergeStrategy is the merge strategy applied to state keys
	// without a registered per-key override.
	DefaultMergeStrategy MergeStrategy

	// PerKeyStrategies overrides DefaultMergeStrategy for specific state
	// keys.
	PerKeyStrategies map[string]MergeStrategy

	// DefaultNodeTimeout bounds a node attempt that does not specify its
	// own NodeConfig.Timeout. Zero means no timeout.
	DefaultNodeTimeout time.Duration

	// RetryBackoffCap is the maximum backoff delay between retry
	// attempts, regardless of a node's own RetryDelay and attempt count.
	// Defaults to 60s if zero.
	RetryBackoffCap time.Duration

	// ErrorPolicy decides what happens when a node fails terminally.
	// Defaults to PolicyIsolate.
	ErrorPolicy ErrorPolicy

	// Fallbacks supplies the substitute output used under PolicySubstitute,
	// keyed by node id.
	Fallbacks map[NodeID]map[string]any

	// Observer, if set, receives lifecycle notifications.
	Observer Observer

	// Emitter, if set, receives richer structured events (see emit
	// package). Defaults to emit.NullEmitter{} if unset.
	Emitter emit.Emitter

	// Metrics, if set, receives Prometheus updates throughout the run.
	Metrics *PrometheusMetrics

	// RateLimiter, if set, is acquired once before each node dispatch —
	// useful when node functions call rate-limited external services.
	RateLimiter *rate.Limiter

	// CancellationSignal, if set, is an additional trigger (besides the
	// ctx passed to Run) that cancels an in-flight run.
	CancellationSignal <-chan struct{}

	// Seed seeds the engine's internal RNG, used only for retry-backoff
	// jitter, so that backoff timing is reproducible in tests. Zero means
	// the seed is the graph's node count plus one.
	Seed int64
}

// Option mutates an EngineConfig during construction.
type Option func(*EngineConfig)

// NewEngineConfig builds an EngineConfig from defaults plus any number of
// functional options, applied in order.
func NewEngineConfig(opts ...Option) EngineConfig {
	cfg := EngineConfig{
		MaxIterations:        0,
		WorkerPoolSize:       0,
		DefaultMergeStrategy: StrategyMerge,
		PerKeyStrategies:     make(map[string]MergeStrategy),
		RetryBackoffCap:      60 * time.Second,
		ErrorPolicy:          PolicyIsolate,
		Fallbacks:            make(map[NodeID]map[string]any),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxIterations sets the superstep cap.
func WithMaxIterations(n int) Option {
	return func(c *EngineConfig) { c.MaxIterations = n }
}

// WithFailOnIterationCap makes reaching MaxIterations a fatal error.
func WithFailOnIterationCap(fail bool) Option {
	return func(c *EngineConfig) { c.FailOnIterationCap = fail }
}

// WithWorkerPoolSize bounds per-superstep concurrency.
func WithWorkerPoolSize(n int) Option {
	return func(c *EngineConfig) { c.WorkerPoolSize = n }
}

// WithDefaultMergeStrategy sets the fallback merge strategy for keys
// without a per-key override.
func WithDefaultMergeStrategy(s MergeStrategy) Option {
	return func(c *EngineConfig) { c.DefaultMergeStrategy = s }
}

// WithPerKeyStrategy registers a merge strategy override for one state key.
func WithPerKeyStrategy(key string, s MergeStrategy) Option {
	return func(c *EngineConfig) {
		if c.PerKeyStrategies == nil {
			c.PerKeyStrategies = make(map[string]MergeStrategy)
		}
		c.PerKeyStrategies[key] = s
	}
}

// WithDefaultNodeTimeout sets the fallback per-attempt timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *EngineConfig) { c.DefaultNodeTimeout = d }
}

// WithRetryBackoffCap bounds the retry backoff delay.
func WithRetryBackoffCap(d time.Duration) Option {
	return func(c *EngineConfig) { c.RetryBackoffCap = d }
}

// WithErrorPolicy sets the engine-wide terminal-failure policy.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(c *EngineConfig) { c.ErrorPolicy = p }
}

// WithFallback registers a PolicySubstitute fallback output for a node.
func WithFallback(nodeID NodeID, output map[string]any) Option {
	return func(c *EngineConfig) {
		if c.Fallbacks == nil {
			c.Fallbacks = make(map[NodeID]map[string]any)
		}
		c.Fallbacks[nodeID] = output
	}
}

// WithObserver registers a lifecycle callback.
func WithObserver(o Observer) Option {
	return func(c *EngineConfig) { c.Observer = o }
}

// WithEmitter registers a structured event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(c *EngineConfig) { c.Emitter = e }
}

// WithMetrics registers a PrometheusMetrics collector.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *EngineConfig) { c.Metrics = m }
}

// WithRateLimiter gates node dispatch behind a shared rate limiter.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *EngineConfig) { c.RateLimiter = l }
}

// WithCancellationSignal adds a channel-based trigger for cancelling a run,
// in addition to the ctx passed to Run.
func WithCancellationSignal(sig <-chan struct{}) Option {
	return func(c *EngineConfig) { c.CancellationSignal = sig }
}

// WithSeed fixes the RNG seed used for retry-backoff jitter.
func WithSeed(seed int64) Option {
	return func(c *EngineConfig) { c.Seed = seed }
}
