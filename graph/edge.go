package graph

import "fmt"

// EdgeEvaluationError describes a Predicate that panicked or otherwise
// misbehaved while being evaluated. It is never fatal to the run: the
// offending edge is treated as not firing, and the engine reports the
// error as a soft-failure event (see emit package) rather than aborting
// the superstep.
type EdgeEvaluationError struct {
	Source string
	Target string
	Cause  error
}

func (e *EdgeEvaluationError) Error() string {
	return fmt.Sprintf("edge %s->%s: predicate error: %v", e.Source, e.Target, e.Cause)
}

func (e *EdgeEvaluationError) Unwrap() error { return e.Cause }

// evaluateEdges decides which of a node's outgoing edges fire, given that
// node's output and a state snapshot. A nil Condition always fires. A
// panicking predicate is recovered, reported via onWarning, and treated as
// not firing — a malformed predicate can never turn into a fatal engine
// error. Edges are returned in construction order (see Graph.Outgoing),
// which the message bus relies on for its fold-order guarantee.
func evaluateEdges(edges []Edge, output map[string]any, state map[string]any, onWarning func(*EdgeEvaluationError)) []Edge {
	fired := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if e.Condition == nil {
			fired = append(fired, e)
			continue
		}
		if ok, err := safeEval(e, output, state); err != nil {
			if onWarning != nil {
				onWarning(&EdgeEvaluationError{Source: e.Source, Target: e.Target, Cause: err})
			}
		} else if ok {
			fired = append(fired, e)
		}
	}
	return fired
}

func safeEval(e Edge, output map[string]any, state map[string]any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Condition(output, state), nil
}
