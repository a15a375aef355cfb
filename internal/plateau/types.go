package plateau

// #region action
// Action is the end-of-epoch outcome.
type Action string

const (
	ActionSave  Action = "save"  // validation loss matched or beat the best so far
	ActionDecay Action = "decay" // no improvement; learning rate decayed, optimizer rebuilt
	ActionStop  Action = "stop"  // early-stop counter reached zero
)
// #endregion action

// #region policy
// Policy holds the early-stop and decay constants.
type Policy struct {
	Patience    int     // early_stop_count
	DecayFactor float64 // lr_decay
}
// #endregion policy

// #region run-state
// RunState is the per-run training state mutated once per epoch.
type RunState struct {
	BaseEpoch      int // resume point: epoch of the last saved checkpoint
	LR             float64
	EarlyStopCount int
	MinValidLoss   float64
}

// initialMinLoss is the "no validation yet" sentinel.
const initialMinLoss = float64(1 << 30)
// #endregion run-state

// #region decision
// Decision records what Step decided for one epoch.
type Decision struct {
	Epoch          int
	Action         Action
	Reason         string
	ValidLoss      float64
	PrevMinLoss    float64
	LR             float64 // learning rate after the decision
	EarlyStopCount int     // counter after the decision
}
// #endregion decision
