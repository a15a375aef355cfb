package reader

import "errors"

// ErrUnknownSplit is returned for a split name the corpus does not hold.
var ErrUnknownSplit = errors.New("unknown split")

// Split names.
const (
	SplitTrain = "train"
	SplitDev   = "dev"
	SplitTest  = "test"
)

// #region corpus
// Corpus is the on-disk JSON dataset. Text fields are whitespace-tokenized.
type Corpus struct {
	Train []Dialogue `json:"train"`
	Dev   []Dialogue `json:"dev"`
	Test  []Dialogue `json:"test"`
}

// Dialogue is one multi-turn conversation.
type Dialogue struct {
	DialID string `json:"dial_id"`
	Turns  []Turn `json:"turns"`
}

// Turn is one user/system exchange.
type Turn struct {
	User       string    `json:"user"`
	BSpan      string    `json:"bspan"` // constraints EOS_Z1 requests EOS_Z2
	Constraint string    `json:"constraint"`
	UserTag    string    `json:"user_tag"`
	System     string    `json:"system"`
	Response   string    `json:"response"`
	Degree     []float64 `json:"degree"`
}
// #endregion corpus

// #region encoded
type encodedTurn struct {
	user, bspan, constraint, userTag, system, response []int
	degree                                             []float64
}

type encodedDialogue struct {
	id    string
	turns []encodedTurn
}
// #endregion encoded
