package tsd

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
)

// #region streams
// Output streams, one decoder head each.
const (
	streamBelief = iota
	streamConstraint
	streamActUser
	streamActSystem
	streamResponse
	numStreams
)

var streamNames = [numStreams]string{"belief", "constraint", "act_user", "act_system", "response"}
// #endregion streams

// #region sampling
const (
	initialTemperature = 1.0
	temperatureDecay   = 0.9
	minTemperature     = 0.5
	minAdvantage       = 1e-9
)
// #endregion sampling

// #region head
type head struct {
	w *model.Param // (vocab, hidden+degree)
	b *model.Param // (vocab, 1)
}
// #endregion head

// #region step
// step is what one turn leaves in a model.Graph: the input bags needed to
// push gradients into the embeddings, the decoder features, and the
// gradient of the turn's loss at each head's logits.
type step struct {
	user    [][]int
	prev    [][]int
	f       *mat.Dense // (hidden+degree, batch)
	dLogits [numStreams]*mat.Dense
}
// #endregion step
