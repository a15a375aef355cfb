package batch

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

// #region truncating
// Truncating selects which end of an over-long sequence is dropped.
type Truncating int

const (
	TruncatePre  Truncating = iota // keep the tail
	TruncatePost                   // keep the head
)

// #endregion truncating

// #region encoder
// Encoder turns DialogueBatch records into EncodedTensors.
type Encoder struct {
	maxLen     int
	vocabSize  int
	degreeSize int
	eosZ1      int
	eosZ2      int
	split      int
}

// NewEncoder creates an encoder for the configured lengths and vocabulary.
func NewEncoder(cfg config.Config, v *vocab.Vocab) *Encoder {
	return &Encoder{
		maxLen:     cfg.MaxTS,
		vocabSize:  cfg.VocabSize,
		degreeSize: cfg.DegreeSize,
		eosZ1:      v.Encode(vocab.EOSZ1),
		eosZ2:      v.Encode(vocab.EOSZ2),
		split:      v.Encode(vocab.Split),
	}
}

// MaxLen returns the fixed length of every encoded stream.
func (e *Encoder) MaxLen() int { return e.maxLen }

// Defaults returns the first-turn previous state for n dialogues.
func (e *Encoder) Defaults(n int) Carried {
	c := Carried{
		Belief:     make([][]int, n),
		Constraint: make([][]int, n),
		ActUser:    make([][]int, n),
		ActSystem:  make([][]int, n),
	}
	for i := 0; i < n; i++ {
		c.Belief[i] = []int{e.eosZ1, e.eosZ2}
		c.Constraint[i] = []int{e.eosZ1}
		c.ActUser[i] = []int{e.eosZ2}
		c.ActSystem[i] = []int{e.split}
	}
	return c
}

// Resolve turns prev into a Carried state for n dialogues: Initial (or nil)
// becomes the defaults; each stream is cut after its terminator and the
// belief stream is unk-remapped. The caller's slices are never modified.
func (e *Encoder) Resolve(prev PreviousState, n int) (Carried, error) {
	var c Carried
	switch p := prev.(type) {
	case nil, Initial:
		c = e.Defaults(n)
	case Carried:
		c = p
		d := e.Defaults(n)
		if c.Belief == nil {
			c.Belief = d.Belief
		}
		if c.Constraint == nil {
			c.Constraint = d.Constraint
		}
		if c.ActUser == nil {
			c.ActUser = d.ActUser
		}
		if c.ActSystem == nil {
			c.ActSystem = d.ActSystem
		}
	default:
		return Carried{}, fmt.Errorf("resolve previous state: unsupported type %T", prev)
	}

	for name, rows := range map[string]int{
		"prev_belief":     len(c.Belief),
		"prev_constraint": len(c.Constraint),
		"prev_act_user":   len(c.ActUser),
		"prev_act_system": len(c.ActSystem),
	} {
		if rows != n {
			return Carried{}, fmt.Errorf("%w: %s has %d rows, batch has %d", ErrShapeMismatch, name, rows, n)
		}
	}

	out := Carried{
		Belief:     make([][]int, n),
		Constraint: make([][]int, n),
		ActUser:    make([][]int, n),
		ActSystem:  make([][]int, n),
	}
	for i := 0; i < n; i++ {
		out.Belief[i] = e.remapUnk(TruncateAtTerminator(c.Belief[i], e.eosZ2))
		out.Constraint[i] = TruncateAtTerminator(c.Constraint[i], e.eosZ1)
		out.ActUser[i] = TruncateAtTerminator(c.ActUser[i], e.eosZ2)
		out.ActSystem[i] = TruncateAtTerminator(c.ActSystem[i], e.split)
	}
	return out, nil
}

func (e *Encoder) remapUnk(seq []int) []int {
	for j, id := range seq {
		if id >= e.vocabSize {
			seq[j] = vocab.UnkID
		}
	}
	return seq
}

// Encode validates b, resolves prev and pads every stream to max_len.
func (e *Encoder) Encode(b DialogueBatch, prev PreviousState) (*EncodedTensors, error) {
	if err := e.validate(b); err != nil {
		return nil, err
	}
	n := b.Size()
	c, err := e.Resolve(prev, n)
	if err != nil {
		return nil, err
	}

	degree := mat.NewDense(n, e.degreeSize, nil)
	for i, row := range b.Degree {
		degree.SetRow(i, row)
	}

	return &EncodedTensors{
		BatchSize: n,
		MaxLen:    e.maxLen,

		User:       e.stream(b.User, b.UserLen, TruncatePre),
		Belief:     e.stream(b.Belief, nil, TruncatePre),
		Constraint: e.stream(b.Belief, nil, TruncatePre),
		ActUser:    e.stream(b.ActUser, nil, TruncatePre),
		ActSystem:  e.stream(b.ActSystem, nil, TruncatePre),
		Response:   e.stream(b.Response, b.ResponseLen, TruncatePost),

		PrevBelief:     e.stream(c.Belief, nil, TruncatePre),
		PrevConstraint: e.stream(c.Constraint, nil, TruncatePre),
		PrevActUser:    e.stream(c.ActUser, nil, TruncatePre),
		PrevActSystem:  e.stream(c.ActSystem, nil, TruncatePre),

		Degree:           degree,
		Prev:             c,
		ConstraintTokens: b.Constraint,
		DialogueIDs:      b.DialogueIDs,
	}, nil
}

func (e *Encoder) validate(b DialogueBatch) error {
	n := b.Size()
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	fields := []struct {
		name string
		rows int
	}{
		{"dial_id", len(b.DialogueIDs)},
		{"u_len", len(b.UserLen)},
		{"bspan", len(b.Belief)},
		{"constraint", len(b.Constraint)},
		{"user_tag", len(b.ActUser)},
		{"system", len(b.ActSystem)},
		{"response", len(b.Response)},
		{"m_len", len(b.ResponseLen)},
		{"degree", len(b.Degree)},
	}
	for _, f := range fields {
		if f.rows != n {
			return fmt.Errorf("%w: %s has %d rows, user has %d", ErrShapeMismatch, f.name, f.rows, n)
		}
	}
	for i, row := range b.Degree {
		if len(row) != e.degreeSize {
			return fmt.Errorf("%w: degree[%d] has width %d, want %d", ErrShapeMismatch, i, len(row), e.degreeSize)
		}
	}
	return nil
}

// stream pads seqs to max_len and transposes them to length-major form.
// lens overrides the measured lengths when non-nil.
func (e *Encoder) stream(seqs [][]int, lens []int, trunc Truncating) Stream {
	padded := PadSequences(seqs, e.maxLen, trunc)
	n := len(seqs)
	ids := mat.NewDense(e.maxLen, n, nil)
	raw := make([][]int, e.maxLen)
	for t := 0; t < e.maxLen; t++ {
		raw[t] = make([]int, n)
		for i := 0; i < n; i++ {
			raw[t][i] = padded[i][t]
			ids.Set(t, i, float64(padded[i][t]))
		}
	}
	l := make([]int, n)
	for i := range seqs {
		l[i] = len(seqs[i])
		if lens != nil {
			l[i] = lens[i]
		}
		l[i] = min(l[i], e.maxLen)
	}
	return Stream{IDs: ids, Raw: raw, Lens: l}
}

// #endregion encoder

// #region helpers

// TruncateAtTerminator returns seq cut right after the first occurrence of
// term. A sequence without term, or whose only cut point is its last element,
// is returned as a copy of itself.
func TruncateAtTerminator(seq []int, term int) []int {
	end := len(seq)
	for i, id := range seq {
		if id == term {
			end = i + 1
			break
		}
	}
	out := make([]int, end)
	copy(out, seq[:end])
	return out
}

// PadSequences returns one row of exactly maxLen ids per sequence, post-padded
// with PAD. Sequences longer than maxLen lose their head (TruncatePre) or
// their tail (TruncatePost).
func PadSequences(seqs [][]int, maxLen int, trunc Truncating) [][]int {
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		row := make([]int, maxLen)
		if len(s) > maxLen {
			if trunc == TruncatePre {
				s = s[len(s)-maxLen:]
			} else {
				s = s[:maxLen]
			}
		}
		copy(row, s)
		out[i] = row
	}
	return out
}

// #endregion helpers
