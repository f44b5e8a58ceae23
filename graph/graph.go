// Package graph provides the core Pregel-style graph execution engine.
//
// A Graph is an immutable description of a computation: a set of Nodes
// (user functions), a sequence of Edges connecting them, and a start node.
// Execution is handled separately by the Engine (see scheduler.go); Graph
// itself only describes topology and validates it once, at construction.
package graph

import (
	"context"
	"fmt"
	"time"
)

// NodeID identifies a node uniquely within a graph. It must be non-empty.
type NodeID = string

// Context carries per-invocation metadata made available to a node's user
// function: which superstep is running, the node's own id, and a read-only
// snapshot of the shared state store.
type Context struct {
	Superstep int
	NodeID    NodeID
	State     map[string]any
}

// NodeFunc is the user-supplied computation attached to a node. It receives
// the node's folded inbox (see message.go) and a Context, and returns the
// node's output.
//
// The return type is deliberately `any` rather than `map[string]any`: the
// engine treats all node output as an opaque, dynamically typed value and
// only requires it be a mapping at runtime. A function that returns
// anything else produces an InvalidOutput failure (see node.go) rather
// than a compile error, matching the spec's contract that output-shape
// violations are a runtime concern of the engine, not the type system.
type NodeFunc func(ctx context.Context, inputs map[string]any, rc Context) (any, error)

// NodeConfig configures timeout/retry behavior and carries opaque,
// engine-ignored metadata for a single node.
type NodeConfig struct {
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration

	// RetryCount is the number of retries after the first attempt.
	// A node that always fails runs exactly RetryCount+1 times.
	RetryCount int

	// RetryDelay is the base delay for exponential backoff between
	// attempts. Defaults to 1s if zero.
	RetryDelay time.Duration

	// Metadata is opaque to the engine; callers may stash routing hints,
	// documentation, or anything else here.
	Metadata map[string]any
}

// Node is a vertex in the graph: an id, a user function, and its config.
type Node struct {
	ID     NodeID
	Fn     NodeFunc
	Config NodeConfig
}

// Predicate decides whether an edge fires, given the source node's output
// and a read-only snapshot of state. Predicates must be pure; the engine
// treats a raising predicate as a soft failure (see edge.go), not a node
// error.
type Predicate func(outputs map[string]any, state map[string]any) bool

// Edge is a directed, optionally conditional connection between two nodes.
// A nil Condition means the edge always fires. Self-edges and multiple
// edges between the same pair of nodes are both permitted; cycles in the
// graph are permitted and are the normal way to express iteration.
type Edge struct {
	Source    NodeID
	Target    NodeID
	Condition Predicate
}

// GraphInvalidError reports a structural problem detected at Build time.
// It is never returned once a Graph has been constructed.
type GraphInvalidError struct {
	Reason string
}

func (e *GraphInvalidError) Error() string { return "graph invalid: " + e.Reason }

// Graph is an immutable, validated computation graph. Construct one with
// Builder, then Build(); a Graph is safe for concurrent read access by any
// number of Engine runs.
type Graph struct {
	id       string
	nodes    map[NodeID]Node
	start    NodeID
	outgoing map[NodeID][]Edge // preserves Builder.AddEdge call order
}

// ID returns the graph's identifier, as given to NewBuilder.
func (g *Graph) ID() string { return g.id }

// Start returns the configured entry node id.
func (g *Graph) Start() NodeID { return g.start }

// Has reports whether id names a node in the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node looks up a node by id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id, in the order they were added to
// the Builder. The scheduler relies on this order when firing edges from a
// single source node within one superstep (spec §4.3).
func (g *Graph) Outgoing(id NodeID) []Edge {
	return g.outgoing[id]
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Builder assembles a Graph incrementally and validates it exactly once,
// in Build. It is not safe for concurrent use; build a graph from a single
// goroutine and share only the resulting *Graph.
type Builder struct {
	id        string
	nodes     map[NodeID]Node
	nodeOrder []NodeID
	edges     []Edge
	start     NodeID
	startSet  bool
}

// NewBuilder creates an empty Builder for a graph identified by id.
func NewBuilder(id string) *Builder {
	return &Builder{
		id:    id,
		nodes: make(map[NodeID]Node),
	}
}

// AddNode registers a node. Returns an error if id is empty, fn is nil, or
// id was already registered (duplicate node ids are a GraphInvalid
// condition, but are caught here early rather than deferred to Build so
// that callers get an immediate, specific diagnostic).
func (b *Builder) AddNode(id NodeID, fn NodeFunc, config NodeConfig) error {
	if id == "" {
		return &GraphInvalidError{Reason: "node id cannot be empty"}
	}
	if fn == nil {
		return &GraphInvalidError{Reason: fmt.Sprintf("node %q: fn cannot be nil", id)}
	}
	if _, exists := b.nodes[id]; exists {
		return &GraphInvalidError{Reason: fmt.Sprintf("duplicate node id: %q", id)}
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	b.nodes[id] = Node{ID: id, Fn: fn, Config: config}
	b.nodeOrder = append(b.nodeOrder, id)
	return nil
}

// AddEdge appends an edge from source to target. condition may be nil for
// an unconditional edge. Edge endpoints are not validated until Build, so
// edges may be added before or after the nodes they reference.
func (b *Builder) AddEdge(source, target NodeID, condition Predicate) error {
	if source == "" || target == "" {
		return &GraphInvalidError{Reason: "edge source and target cannot be empty"}
	}
	b.edges = append(b.edges, Edge{Source: source, Target: target, Condition: condition})
	return nil
}

// SetStart designates the entry node for execution.
func (b *Builder) SetStart(id NodeID) error {
	if id == "" {
		return &GraphInvalidError{Reason: "start node id cannot be empty"}
	}
	b.start = id
	b.startSet = true
	return nil
}

// Build validates the accumulated graph and, on success, returns an
// immutable Graph. Validation fails with *GraphInvalidError if: the node
// set is empty, the start node is unset or unknown, or any edge refers to
// an endpoint not present in the node set. No acyclicity check is
// performed — cycles are a supported, ordinary feature of this engine.
func (b *Builder) Build() (*Graph, error) {
	if len(b.nodes) == 0 {
		return nil, &GraphInvalidError{Reason: "graph must contain at least one node"}
	}
	if !b.startSet {
		return nil, &GraphInvalidError{Reason: "start node not set"}
	}
	if _, ok := b.nodes[b.start]; !ok {
		return nil, &GraphInvalidError{Reason: fmt.Sprintf("start node %q is not a registered node", b.start)}
	}

	outgoing := make(map[NodeID][]Edge, len(b.nodes))
	for _, e := range b.edges {
		if _, ok := b.nodes[e.Source]; !ok {
			return nil, &GraphInvalidError{Reason: fmt.Sprintf("edge source %q is not a registered node", e.Source)}
		}
		if _, ok := b.nodes[e.Target]; !ok {
			return nil, &GraphInvalidError{Reason: fmt.Sprintf("edge target %q is not a registered node", e.Target)}
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	nodes := make(map[NodeID]Node, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}

	return &Graph{
		id:       b.id,
		nodes:    nodes,
		start:    b.start,
		outgoing: outgoing,
	}, nil
}
