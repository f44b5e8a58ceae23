package graph

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/pregraph/graph/emit"
	"golang.org/x/sync/errgroup"
)

// TerminationReason reports why a run's superstep loop stopped.
type TerminationReason int

const (
	// TerminatedQuiescence means no node had a non-empty inbox at the
	// start of the next superstep: the graph reached a fixed point.
	TerminatedQuiescence TerminationReason = iota
	// TerminatedIterationCap means EngineConfig.MaxIterations was reached
	// before quiescence.
	TerminatedIterationCap
	// TerminatedFatalError means a terminal node failure under
	// PolicyPropagate (a merge conflict counts as a node failure) or a
	// conflicting PolicySubstitute fallback aborted the run, or the run was
	// cancelled.
	TerminatedFatalError
)

func (t TerminationReason) String() string {
	switch t {
	case TerminatedQuiescence:
		return "quiescence"
	case TerminatedIterationCap:
		return "iteration_cap"
	case TerminatedFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// NodeStats aggregates one node's behavior across an entire run.
type NodeStats struct {
	Runs          int
	Failures      int
	TotalDuration time.Duration
}

// ExecutionResult is the envelope Run returns: the final state, how many
// supersteps ran, per-node statistics, and why the loop stopped.
type ExecutionResult struct {
	FinalState         map[string]any
	SuperstepsExecuted int
	NodeStats          map[NodeID]*NodeStats
	TerminatedBy       TerminationReason
	IsolatedNodes      []NodeID
}

// schedulerMetrics holds the atomics backing Engine.Metrics, separate from
// the optional Prometheus wiring so a poll never requires a registry.
type schedulerMetrics struct {
	activeNodes  atomic.Int32
	superstep    atomic.Int32
	totalRuns    atomic.Int64
	totalRetries atomic.Int64
	mergeConf    atomic.Int64
	softFails    atomic.Int64
}

// SchedulerSnapshot is a point-in-time read of schedulerMetrics, safe to
// poll mid-run.
type SchedulerSnapshot struct {
	ActiveNodes        int32
	Superstep          int32
	TotalNodeRuns      int64
	TotalRetries       int64
	TotalMergeConflicts int64
	TotalSoftFailures  int64
}

// Engine runs a Graph to completion according to an EngineConfig. Each
// Engine is single-use: construct one per Run call's lifetime (it is not
// safe to call Run twice concurrently on the same Engine, since the
// scheduler's metrics and isolated-node set are instance state).
type Engine struct {
	graph  *Graph
	config EngineConfig
	rng    *rand.Rand

	metrics  schedulerMetrics
	isolated map[NodeID]bool
	isoMu    sync.Mutex
}

// NewEngine constructs an Engine for g, configured by cfg.
func NewEngine(g *Graph, cfg EngineConfig) *Engine {
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(len(g.nodes)) + 1
	}
	return &Engine{
		graph:    g,
		config:   cfg,
		rng:      rand.New(rand.NewSource(seed)),
		isolated: make(map[NodeID]bool),
	}
}

// Metrics returns a snapshot of the engine's scheduler metrics.
func (e *Engine) Metrics() SchedulerSnapshot {
	return SchedulerSnapshot{
		ActiveNodes:         e.metrics.activeNodes.Load(),
		Superstep:           e.metrics.superstep.Load(),
		TotalNodeRuns:       e.metrics.totalRuns.Load(),
		TotalRetries:        e.metrics.totalRetries.Load(),
		TotalMergeConflicts: e.metrics.mergeConf.Load(),
		TotalSoftFailures:   e.metrics.softFails.Load(),
	}
}

// Run executes the graph to completion, starting from initialState. It
// returns when the superstep loop quiesces, hits MaxIterations, is
// cancelled, or a node fails terminally under PolicyPropagate.
func (e *Engine) Run(ctx context.Context, runID string, initialState map[string]any) (*ExecutionResult, error) {
	if e.config.CancellationSignal != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-e.config.CancellationSignal:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	emitter := e.config.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	store := NewStateStore(initialState, e.config.DefaultMergeStrategy)
	for k, v := range e.config.PerKeyStrategies {
		store.RegisterKeyStrategy(k, v)
	}

	bus := newMessageBus()
	bus.seed(e.graph.Start(), initialState)

	result := &ExecutionResult{
		NodeStats: make(map[NodeID]*NodeStats),
	}

	emitter.Emit(emit.Event{RunID: runID, Msg: "workflow_start"})
	e.notify(e.config.Observer, ObserverEvent{Kind: "workflow_start"})

	superstep := 0
	for {
		if err := ctx.Err(); err != nil {
			result.FinalState = store.Snapshot()
			result.SuperstepsExecuted = superstep
			result.TerminatedBy = TerminatedFatalError
			emitter.Emit(emit.Event{RunID: runID, Step: superstep, Msg: "workflow_end", Meta: map[string]any{"terminated_by": "cancelled"}})
			return result, ErrCancelled
		}

		active := bus.active()
		if len(active) == 0 {
			result.TerminatedBy = TerminatedQuiescence
			// The iteration that observes quiescence still counts as an
			// executed superstep (spec §8 scenario 1: a 3-node linear
			// chain reports supersteps_executed = 4, one past the last
			// node run).
			superstep++
			break
		}

		if e.config.MaxIterations > 0 && superstep >= e.config.MaxIterations {
			result.TerminatedBy = TerminatedIterationCap
			if e.config.FailOnIterationCap {
				result.FinalState = store.Snapshot()
				result.SuperstepsExecuted = superstep
				return result, ErrIterationCapExceeded
			}
			break
		}

		e.metrics.superstep.Store(int32(superstep))
		if e.config.Metrics != nil {
			e.config.Metrics.UpdateSuperstep(superstep)
		}
		emitter.Emit(emit.Event{RunID: runID, Step: superstep, Msg: "superstep_start"})
		e.notify(e.config.Observer, ObserverEvent{Kind: "superstep_start", Superstep: superstep})

		fatal, err := e.runSuperstep(ctx, runID, superstep, active, store, bus, emitter, result)
		if fatal {
			result.FinalState = store.Snapshot()
			result.SuperstepsExecuted = superstep + 1
			result.TerminatedBy = TerminatedFatalError
			emitter.Emit(emit.Event{RunID: runID, Step: superstep, Msg: "workflow_end", Meta: map[string]any{"terminated_by": "fatal_error"}})
			return result, err
		}

		emitter.Emit(emit.Event{RunID: runID, Step: superstep, Msg: "superstep_end"})
		e.notify(e.config.Observer, ObserverEvent{Kind: "superstep_end", Superstep: superstep})
		bus.swap()
		superstep++
	}

	result.FinalState = store.Snapshot()
	result.SuperstepsExecuted = superstep
	e.isoMu.Lock()
	for id := range e.isolated {
		result.IsolatedNodes = append(result.IsolatedNodes, id)
	}
	e.isoMu.Unlock()

	emitter.Emit(emit.Event{RunID: runID, Step: superstep, Msg: "workflow_end", Meta: map[string]any{"terminated_by": result.TerminatedBy.String()}})
	e.notify(e.config.Observer, ObserverEvent{Kind: "workflow_end", Superstep: superstep})
	return result, nil
}

// runSuperstep dispatches every active node concurrently (bounded by
// WorkerPoolSize), applies each surviving output to the state store, fires
// outgoing edges into the next inbox, and returns (true, err) if a
// terminal failure must abort the whole run.
func (e *Engine) runSuperstep(ctx context.Context, runID string, superstep int, active []NodeID, store *StateStore, bus *messageBus, emitter emit.Emitter, result *ExecutionResult) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	if e.config.WorkerPoolSize > 0 {
		g.SetLimit(e.config.WorkerPoolSize)
	}

	var mu sync.Mutex
	e.metrics.activeNodes.Store(int32(len(active)))
	if e.config.Metrics != nil {
		e.config.Metrics.UpdateActiveNodes(len(active))
	}

	for _, nodeID := range active {
		nodeID := nodeID

		e.isoMu.Lock()
		skip := e.isolated[nodeID]
		e.isoMu.Unlock()
		if skip {
			continue
		}

		node, ok := e.graph.Node(nodeID)
		if !ok {
			continue
		}

		g.Go(func() error {
			return e.runOneNode(gctx, runID, superstep, node, store, bus, emitter, result, &mu)
		})
	}

	err := g.Wait()
	e.metrics.activeNodes.Store(0)
	if e.config.Metrics != nil {
		e.config.Metrics.UpdateActiveNodes(0)
	}
	if err != nil {
		return true, err
	}
	return false, nil
}

func (e *Engine) runOneNode(ctx context.Context, runID string, superstep int, node Node, store *StateStore, bus *messageBus, emitter emit.Emitter, result *ExecutionResult, mu *sync.Mutex) error {
	if e.config.RateLimiter != nil {
		if err := e.config.RateLimiter.Wait(ctx); err != nil {
			rlErr := &EngineError{Message: "rate limiter wait failed", Code: "E_RATE_LIMIT", Cause: err}
			emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "node_error", Meta: map[string]any{"failure_kind": FailureTimeout.String(), "error": rlErr.Error()}})
			e.notify(e.config.Observer, ObserverEvent{Kind: "node_error", Superstep: superstep, NodeID: node.ID})
			mu.Lock()
			stats := result.NodeStats[node.ID]
			if stats == nil {
				stats = &NodeStats{}
				result.NodeStats[node.ID] = stats
			}
			stats.Failures++
			mu.Unlock()
			return e.handleFailure(node.ID, &NodeFailure{NodeID: node.ID, Superstep: superstep, Kind: FailureTimeout, Cause: rlErr}, store, bus, superstep, emitter, runID)
		}
	}

	inputs := bus.foldInbox(node.ID)
	rc := Context{Superstep: superstep, NodeID: node.ID, State: store.Snapshot()}

	effectiveNode := node
	effectiveNode.Config.Timeout = effectiveTimeout(node.Config.Timeout, e.config.DefaultNodeTimeout)

	emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "node_start"})
	e.notify(e.config.Observer, ObserverEvent{Kind: "node_start", Superstep: superstep, NodeID: node.ID})

	start := time.Now()
	onRetry := func(attempt int, retryErr error) {
		e.metrics.totalRetries.Add(1)
		if e.config.Metrics != nil {
			e.config.Metrics.IncrementRetries(runID, node.ID)
		}
		emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "node_retry", Meta: map[string]any{"attempt": attempt, "error": fmt.Sprint(retryErr)}})
	}

	out, failure, attempts := runNode(ctx, effectiveNode, inputs, rc, e.rng, e.config.RetryBackoffCap, onRetry)
	duration := time.Since(start)
	e.metrics.totalRuns.Add(1)

	mu.Lock()
	stats := result.NodeStats[node.ID]
	if stats == nil {
		stats = &NodeStats{}
		result.NodeStats[node.ID] = stats
	}
	stats.Runs += attempts
	stats.TotalDuration += duration
	mu.Unlock()

	status := "success"
	if failure != nil {
		status = "error"
		mu.Lock()
		stats.Failures++
		mu.Unlock()
	}
	if e.config.Metrics != nil {
		e.config.Metrics.RecordNodeLatency(runID, node.ID, duration, status)
	}

	if failure != nil {
		emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "node_error", Meta: map[string]any{"failure_kind": failure.Kind.String(), "error": failure.Error()}})
		e.notify(e.config.Observer, ObserverEvent{Kind: "node_error", Superstep: superstep, NodeID: node.ID})
		return e.handleFailure(node.ID, failure, store, bus, superstep, emitter, runID)
	}

	emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "node_end", Meta: map[string]any{"latency_ms": duration.Milliseconds()}})
	e.notify(e.config.Observer, ObserverEvent{Kind: "node_end", Superstep: superstep, NodeID: node.ID})

	if err := store.Apply(out); err != nil {
		if _, ok := err.(*MergeConflictError); ok {
			e.metrics.mergeConf.Add(1)
			if e.config.Metrics != nil {
				key := ""
				if mc, ok := err.(*MergeConflictError); ok {
					key = mc.Key
				}
				e.config.Metrics.IncrementMergeConflicts(runID, key)
			}
		}
		return e.handleFailure(node.ID, &NodeFailure{NodeID: node.ID, Superstep: superstep, Kind: FailureInvalidOutput, Cause: err}, store, bus, superstep, emitter, runID)
	}

	stateSnapshot := store.Snapshot()
	fired := evaluateEdges(e.graph.Outgoing(node.ID), out, stateSnapshot, func(warn *EdgeEvaluationError) {
		e.metrics.softFails.Add(1)
		if e.config.Metrics != nil {
			e.config.Metrics.IncrementSoftFailures(runID, "edge")
		}
		emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: node.ID, Msg: "edge_evaluation_error", Meta: map[string]any{"error": warn.Error(), "target": warn.Target}})
	})

	for _, edge := range fired {
		bus.enqueueNext(edge.Target, out)
	}

	return nil
}

// handleFailure applies EngineConfig.ErrorPolicy to a terminal node
// failure: propagate aborts the run, isolate removes the node from future
// scheduling, substitute treats a configured fallback as success.
func (e *Engine) handleFailure(nodeID NodeID, failure *NodeFailure, store *StateStore, bus *messageBus, superstep int, emitter emit.Emitter, runID string) error {
	switch e.config.ErrorPolicy {
	case PolicyPropagate:
		return failure
	case PolicySubstitute:
		if fallback, ok := e.config.Fallbacks[nodeID]; ok {
			if err := store.Apply(fallback); err != nil {
				return err
			}
			stateSnapshot := store.Snapshot()
			fired := evaluateEdges(e.graph.Outgoing(nodeID), fallback, stateSnapshot, func(warn *EdgeEvaluationError) {
				emitter.Emit(emit.Event{RunID: runID, Step: superstep, NodeID: nodeID, Msg: "edge_evaluation_error", Meta: map[string]any{"error": warn.Error()}})
			})
			for _, edge := range fired {
				bus.enqueueNext(edge.Target, fallback)
			}
			return nil
		}
		fallthrough
	default: // PolicyIsolate
		e.isoMu.Lock()
		e.isolated[nodeID] = true
		e.isoMu.Unlock()
		return nil
	}
}

func (e *Engine) notify(o Observer, ev ObserverEvent) {
	if o == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	o(ev)
}
