package replay

import (
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
)

// #region types
// Epoch is one recorded end-of-epoch validation result.
type Epoch struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
}

// ReplayConfig is the policy and starting rate to replay under.
type ReplayConfig struct {
	Policy plateau.Policy
	LR     float64
}

// ReplayResult is the decision the policy takes for one epoch.
type ReplayResult struct {
	Epoch    int
	Decision plateau.Decision
	State    plateau.RunState // state after the decision
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalEpochs int
	Saves       int
	Decays      int
	Stopped     bool
	StopEpoch   int
	BestEpoch   int
	BestLoss    float64
	FinalLR     float64
}
// #endregion types

// #region replay
// Replay feeds the recorded validation losses through plateau.Step, in order,
// and stops at the first stop decision. Epochs after a stop are not replayed.
func Replay(epochs []Epoch, config ReplayConfig) []ReplayResult {
	s := plateau.NewRunState(0, config.LR, config.Policy)
	results := make([]ReplayResult, 0, len(epochs))
	for _, e := range epochs {
		var d plateau.Decision
		s, d = plateau.Step(s, e.Epoch, e.ValidLoss, config.Policy)
		results = append(results, ReplayResult{Epoch: e.Epoch, Decision: d, State: s})
		if d.Action == plateau.ActionStop {
			break
		}
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalEpochs: len(results)}
	for _, r := range results {
		switch r.Decision.Action {
		case plateau.ActionSave:
			s.Saves++
			s.BestEpoch = r.Epoch
			s.BestLoss = r.Decision.ValidLoss
		case plateau.ActionDecay:
			s.Decays++
		case plateau.ActionStop:
			s.Stopped = true
			s.StopEpoch = r.Epoch
		}
		s.FinalLR = r.State.LR
	}
	return s
}
// #endregion replay
