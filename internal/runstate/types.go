package runstate

import (
	"errors"
	"time"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
)

// ErrNotFound is returned when a run or epoch record does not exist.
var ErrNotFound = errors.New("not found")

// #region run
// Run is one invocation of a training, adjust, test or rl mode.
type Run struct {
	RunID      string
	Mode       string
	Dataset    string
	ConfigJSON string
	CreatedAt  time.Time
}
// #endregion run

// #region epoch-record
// EpochRecord is a versioned snapshot of plateau.RunState after one epoch.
// Each record points at the run's previous record through ParentID.
type EpochRecord struct {
	VersionID   string
	RunID       string
	ParentID    string
	Epoch       int
	State       plateau.RunState
	TrainLoss   float64
	ValidLoss   float64
	Action      plateau.Action
	CreatedAt   time.Time
	MetricsJSON string
}
// #endregion epoch-record
