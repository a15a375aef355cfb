package batch

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch reports a batch whose per-dialogue lists disagree in length.
// The model must never see such a batch.
var ErrShapeMismatch = errors.New("batch shape mismatch")

// #region dialogue-batch
// DialogueBatch holds turn TurnNum of N dialogues. Every list is indexed by
// dialogue-in-batch and has length N.
type DialogueBatch struct {
	TurnNum     int
	DialogueIDs []string
	User        [][]int
	UserLen     []int
	Belief      [][]int // bspan: constraints EOS_Z1 requests EOS_Z2
	Constraint  [][]int
	ActUser     [][]int // user_tag
	ActSystem   [][]int // system
	Response    [][]int
	ResponseLen []int
	Degree      [][]float64
}

// Size returns the number of dialogues in the batch.
func (b DialogueBatch) Size() int { return len(b.User) }

// #endregion dialogue-batch

// #region previous-state
// PreviousState is the span context carried from the previous turn. It is
// either Initial (first turn of a dialogue batch) or Carried.
type PreviousState interface {
	previous()
}

// Initial marks the first turn; the encoder substitutes single-token defaults.
type Initial struct{}

// Carried holds the previous turn's spans, one sequence per dialogue.
type Carried struct {
	Belief     [][]int
	Constraint [][]int
	ActUser    [][]int
	ActSystem  [][]int
}

func (Initial) previous() {}
func (Carried) previous() {}

// WithBelief returns a copy of c whose belief stream is replaced by belief.
// The other streams are shared.
func (c Carried) WithBelief(belief [][]int) Carried {
	c.Belief = belief
	return c
}

// #endregion previous-state

// #region encoded
// Stream is one encoded sequence field.
type Stream struct {
	IDs  *mat.Dense // (max_len, batch), post-padded with PAD
	Raw  [][]int    // same values as IDs, length-major, for inspection
	Lens []int      // unpadded length per dialogue, capped at max_len
}

// At returns the id at time step t of dialogue b.
func (s Stream) At(t, b int) int { return s.Raw[t][b] }

// Seq returns the unpadded sequence of dialogue b.
func (s Stream) Seq(b int) []int {
	out := make([]int, s.Lens[b])
	for t := range out {
		out[t] = s.Raw[t][b]
	}
	return out
}

// EncodedTensors is the model-ready form of a DialogueBatch plus its previous state.
type EncodedTensors struct {
	BatchSize int
	MaxLen    int

	User       Stream
	Belief     Stream // z
	Constraint Stream // z1, built from the belief span
	ActUser    Stream // z2
	ActSystem  Stream // z3
	Response   Stream // m

	PrevBelief     Stream
	PrevConstraint Stream
	PrevActUser    Stream
	PrevActSystem  Stream

	Degree *mat.Dense // (batch, degree_size)

	// Prev is the resolved previous state after terminator truncation and
	// unk-remapping, before padding.
	Prev             Carried
	ConstraintTokens [][]int
	DialogueIDs      []string
}

// #endregion encoded
