package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
)

// #region sequence-model
// SequenceModel is the multi-decoder network driven by the training and
// evaluation loops. Each call mode has its own typed result.
type SequenceModel interface {
	// Supervised computes the teacher-forced loss of one turn. When g is
	// non-nil the turn is recorded so Backward can differentiate it.
	Supervised(in *batch.EncodedTensors, st *TurnState, g *Graph) (SupervisedResult, error)
	// Decode greedily decodes every output stream of one turn.
	Decode(in *batch.EncodedTensors, st *TurnState, opts DecodeOptions) (DecodeResult, error)
	// Reinforce samples a response and returns the policy-gradient loss, if any.
	Reinforce(in *batch.EncodedTensors, st *TurnState, g *Graph) (ReinforceResult, error)
	// Backward accumulates gradients of the most recent loss recorded in g.
	// Unless retain is set, g is released afterwards.
	Backward(g *Graph, retain bool) error
	// SelfAdjust is called once per epoch before the turn loop.
	SelfAdjust(epoch int)
	SetTraining(training bool)
	Parameters() []*Param
}
// #endregion sequence-model

// #region results
// SupervisedResult is the total loss and its per-decoder components.
type SupervisedResult struct {
	Loss       float64
	Belief     float64 // pr
	Constraint float64 // pr1
	ActUser    float64 // pr2
	ActSystem  float64 // pr3
	Response   float64 // m
}

// DecodeResult holds one decoded id sequence per dialogue for every stream.
type DecodeResult struct {
	Response   [][]int
	Belief     [][]int
	Constraint [][]int
	ActUser    [][]int
	ActSystem  [][]int
}

// ReinforceResult carries the policy-gradient loss. HasSignal is false when
// the sampled trajectory gave no reward differential; Loss is then zero and
// nothing was recorded for Backward.
type ReinforceResult struct {
	HasSignal bool
	Loss      float64
}

// DecodeOptions selects the decoding path.
type DecodeOptions struct {
	Pretrain bool // pretrain_test: belief stream is copied from ground truth
}
// #endregion results

// #region turn-state
// TurnState is the recurrent state threaded across the turns of one
// dialogue batch. The zero value is the empty state.
type TurnState struct {
	Hidden *mat.Dense // (hidden_size, batch)
	Turn   int
}

// Empty reports whether no turn has been processed yet.
func (s *TurnState) Empty() bool { return s == nil || s.Hidden == nil }

// Reset returns s to the empty state.
func (s *TurnState) Reset() { *s = TurnState{} }
// #endregion turn-state

// #region param
// Param is one named trainable tensor with its gradient buffer.
type Param struct {
	Name      string
	Value     *mat.Dense
	Grad      *mat.Dense
	Trainable bool
}

// NewParam allocates a trainable parameter of the given shape.
func NewParam(name string, rows, cols int, data []float64) *Param {
	return &Param{
		Name:      name,
		Value:     mat.NewDense(rows, cols, data),
		Grad:      mat.NewDense(rows, cols, nil),
		Trainable: true,
	}
}

// Size returns the number of scalars held by p.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}
// #endregion param
