package model

import "errors"

var (
	// ErrReleased is returned by Backward on a graph that was already flushed.
	ErrReleased = errors.New("graph released")
	// ErrNoLoss is returned by Backward when the newest step carries no loss.
	ErrNoLoss = errors.New("no pending loss")
)

// #region graph
// Graph accumulates the per-turn computation state of one dialogue batch.
// Turns are appended in order; the recurrent hidden state links each turn
// to the ones before it, so a backward pass at turn t reaches every earlier
// turn still held here. The training loop opens one graph per dialogue batch
// and releases it after the final turn's backward pass.
type Graph struct {
	steps    []any
	pending  bool
	released bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph { return &Graph{} }

// Record appends the state of one turn. loss marks the step as holding a
// loss that has not been differentiated yet; turns without a loss are still
// kept because later turns depend on their hidden state.
func (g *Graph) Record(step any, loss bool) {
	g.steps = append(g.steps, step)
	g.pending = loss
}

// Steps returns the recorded turns, oldest first.
func (g *Graph) Steps() []any { return g.steps }

// Len returns the number of retained turns.
func (g *Graph) Len() int { return len(g.steps) }

// Pending reports whether the newest step still awaits Backward.
func (g *Graph) Pending() bool { return g.pending }

// MarkDone clears the pending flag after a backward pass.
func (g *Graph) MarkDone() { g.pending = false }

// Released reports whether Release was called.
func (g *Graph) Released() bool { return g.released }

// Release drops every retained step. It is safe to call more than once.
func (g *Graph) Release() {
	g.steps = nil
	g.pending = false
	g.released = true
}
// #endregion graph
