package plateau

import (
	"fmt"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
)

// PolicyFromConfig reads patience and decay factor from cfg.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{Patience: cfg.EarlyStopCount, DecayFactor: cfg.LRDecay}
}

// NewRunState returns the state of a run that has completed baseEpoch epochs.
func NewRunState(baseEpoch int, lr float64, p Policy) RunState {
	return RunState{
		BaseEpoch:      baseEpoch,
		LR:             lr,
		EarlyStopCount: p.Patience,
		MinValidLoss:   initialMinLoss,
	}
}

// #region step
// Step applies the end-of-epoch rule to s. A validation loss at or below the
// best so far saves; anything else decrements the counter and decays the
// learning rate, stopping once the counter reaches zero. The counter is not
// restored by later improvements. Step is pure: s is not modified.
func Step(s RunState, epoch int, validLoss float64, p Policy) (RunState, Decision) {
	d := Decision{Epoch: epoch, ValidLoss: validLoss, PrevMinLoss: s.MinValidLoss}

	if validLoss <= s.MinValidLoss {
		s.MinValidLoss = validLoss
		s.BaseEpoch = epoch
		d.Action = ActionSave
		d.Reason = fmt.Sprintf("valid loss %.6f <= best %.6f", validLoss, d.PrevMinLoss)
	} else {
		s.EarlyStopCount--
		s.LR *= p.DecayFactor
		if s.EarlyStopCount <= 0 {
			d.Action = ActionStop
			d.Reason = fmt.Sprintf("valid loss %.6f > best %.6f, early stop counter exhausted", validLoss, s.MinValidLoss)
		} else {
			d.Action = ActionDecay
			d.Reason = fmt.Sprintf("valid loss %.6f > best %.6f, countdown %d", validLoss, s.MinValidLoss, s.EarlyStopCount)
		}
	}
	d.LR = s.LR
	d.EarlyStopCount = s.EarlyStopCount
	return s, d
}
// #endregion step
