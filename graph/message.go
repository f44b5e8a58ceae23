package graph

import (
	"sort"
	"sync"
)

// messageEntry is one queued message, tagged with an orderKey so foldInbox
// can recover a stable fold order among messages whose source node and
// firing order are known — grounded in the teacher's ComputeOrderKey
// (hash of parent node id + edge index), simplified here to a monotonic
// sequence number since cross-run replay determinism is out of scope: the
// requirement this meets is "edge construction order, then completion
// order", not bit-for-bit reproducibility across runs.
type messageEntry struct {
	orderKey uint64
	payload  map[string]any
}

// messageBus holds the per-node inboxes for the currently-executing
// superstep ("current") and the one being assembled for the next
// ("next"). Edges fire into next; at the end of a superstep, swap
// promotes next to current and clears next, implementing the strict
// barrier between supersteps required by spec §4.6.
type messageBus struct {
	mu       sync.Mutex
	current  map[NodeID][]messageEntry
	next     map[NodeID][]messageEntry
	sequence uint64
}

func newMessageBus() *messageBus {
	return &messageBus{
		current: make(map[NodeID][]messageEntry),
		next:    make(map[NodeID][]messageEntry),
	}
}

// seed places a single message directly into current, used to deliver the
// initial input to the start node before superstep 0 runs.
func (b *messageBus) seed(node NodeID, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence++
	b.current[node] = append(b.current[node], messageEntry{orderKey: b.sequence, payload: payload})
}

// enqueueNext appends a message to a node's next-superstep inbox. Calls
// for a single source node's outgoing edges happen sequentially within
// that node's own goroutine, so append order here already reflects edge
// construction order; the orderKey additionally records a total order
// across concurrently-firing source nodes for tie-breaking in foldInbox.
func (b *messageBus) enqueueNext(node NodeID, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence++
	b.next[node] = append(b.next[node], messageEntry{orderKey: b.sequence, payload: payload})
}

// active returns the node ids with a non-empty current inbox, sorted
// lexicographically for deterministic iteration order (the set of active
// nodes is what matters for correctness; the traversal order here only
// affects the order of emitted NodeStart events and map iteration, not
// outcome).
func (b *messageBus) active() []NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]NodeID, 0, len(b.current))
	for id, entries := range b.current {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// foldInbox folds a node's current-superstep inbox into a single input
// mapping via StrategyMerge, ordered by orderKey ascending. A node that
// received no messages this superstep gets an empty mapping.
func (b *messageBus) foldInbox(node NodeID) map[string]any {
	b.mu.Lock()
	entries := append([]messageEntry(nil), b.current[node]...)
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].orderKey < entries[j].orderKey })

	folded := map[string]any{}
	for _, e := range entries {
		merged, err := mergeValue(folded, e.payload)
		if err != nil {
			// mergeValue never errors (no REJECT semantics at fold time);
			// guarded for completeness only.
			continue
		}
		if m, ok := merged.(map[string]any); ok {
			folded = m
		}
	}
	return folded
}

// swap promotes next to current and clears next, marking the barrier
// between one superstep and the next.
func (b *messageBus) swap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.next
	b.next = make(map[NodeID][]messageEntry)
}
