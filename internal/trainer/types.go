package trainer

import (
	"errors"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/checkpoint"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/metric"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/runstate"
)

var (
	// ErrNumericInstability aborts a run whose loss or gradient norm is NaN or Inf.
	ErrNumericInstability = errors.New("numeric instability")
	// ErrMissingDependency is returned when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing trainer dependency")
)

// Run modes, as accepted by cmd/moss.
const (
	ModeTrain  = "train"
	ModeAdjust = "adjust"
	ModeTest   = "test"
	ModeRL     = "rl"
)

// #region collaborators

// DataSource yields dialogue batches for a split. Every call returns a fresh
// ordering; each dialogue batch is a slice of time-aligned turn batches.
type DataSource interface {
	MiniBatches(split string) ([][]batch.DialogueBatch, error)
}

// ResultWriter accumulates decoded turns for the metric evaluator.
type ResultWriter interface {
	Reset()
	WrapResult(b batch.DialogueBatch, dec model.DecodeResult, prevBelief [][]int) error
	Flush() error
}

// Deps wires the trainer. Model, Data, Encoder and Checkpoints are required.
// Writer and Evaluator are needed by Eval and the validation preview. Store
// is optional; when set, every epoch decision is persisted under RunID.
type Deps struct {
	Model       model.SequenceModel
	Data        DataSource
	Encoder     *batch.Encoder
	Checkpoints *checkpoint.Manager
	Writer      ResultWriter
	Evaluator   metric.Evaluator
	Store       *runstate.Store
	RunID       string
	Adjust      func(epoch int) // training_adjust hook, called before SelfAdjust
}

// #endregion collaborators

// #region reports

// EpochReport summarizes one finished epoch of Train or Reinforce.
type EpochReport struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	Turns     int // turns that produced a gradient step
	Skipped   int // rl turns without a reward signal
	Decision  plateau.Decision
	Preview   *metric.Summary // validation preview, when enabled
}

// #endregion reports
