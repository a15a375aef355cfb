// Package trainer drives the multi-decoder model through supervised
// training, validation, greedy evaluation and policy-gradient fine-tuning.
// Each dialogue batch is processed turn by turn with the previous belief
// span and the model's turn state threaded from one turn to the next.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/checkpoint"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/logging"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/metric"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/optim"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/runstate"
)

// #region trainer-struct

// Trainer owns the model and its optimizer for the duration of a run.
type Trainer struct {
	cfg    config.Config
	m      model.SequenceModel
	data   DataSource
	enc    *batch.Encoder
	ckpt   *checkpoint.Manager
	writer ResultWriter
	eval   metric.Evaluator
	store  *runstate.Store
	runID  string
	adjust func(epoch int)

	policy plateau.Policy
	state  plateau.RunState
	opt    *optim.Adam
}

// #endregion trainer-struct

// #region constructor

// New wires a trainer for a fresh run: base epoch -1, learning rate cfg.LR.
func New(cfg config.Config, deps Deps) (*Trainer, error) {
	switch {
	case deps.Model == nil:
		return nil, fmt.Errorf("new trainer: model: %w", ErrMissingDependency)
	case deps.Data == nil:
		return nil, fmt.Errorf("new trainer: data source: %w", ErrMissingDependency)
	case deps.Encoder == nil:
		return nil, fmt.Errorf("new trainer: encoder: %w", ErrMissingDependency)
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("new trainer: checkpoints: %w", ErrMissingDependency)
	case deps.Store != nil && deps.RunID == "":
		return nil, fmt.Errorf("new trainer: run id required with a run store: %w", ErrMissingDependency)
	}

	t := &Trainer{
		cfg:    cfg,
		m:      deps.Model,
		data:   deps.Data,
		enc:    deps.Encoder,
		ckpt:   deps.Checkpoints,
		writer: deps.Writer,
		eval:   deps.Evaluator,
		store:  deps.Store,
		runID:  deps.RunID,
		adjust: deps.Adjust,
		policy: plateau.PolicyFromConfig(cfg),
	}
	t.state = plateau.NewRunState(-1, cfg.LR, t.policy)
	t.opt = t.supervisedOptimizer(cfg.LR)
	t.m.SetTraining(true)
	return t, nil
}

// State returns the current run state.
func (t *Trainer) State() plateau.RunState { return t.state }

// #endregion constructor

// #region params

// CountParams logs and returns the number of trainable scalars.
func (t *Trainer) CountParams() int {
	n := model.CountParams(t.m.Parameters())
	log.Printf("[TRAIN] total trainable params: %d", n)
	return n
}

// Freeze stops optimizer updates for parameters whose name starts with prefix.
func (t *Trainer) Freeze(prefix string) int {
	n := model.Freeze(t.m.Parameters(), prefix)
	log.Printf("[TRAIN] froze %d params under %q", n, prefix)
	return n
}

// Unfreeze re-enables parameters whose name starts with prefix.
func (t *Trainer) Unfreeze(prefix string) int {
	n := model.Unfreeze(t.m.Parameters(), prefix)
	log.Printf("[TRAIN] unfroze %d params under %q", n, prefix)
	return n
}

// LoadCheckpoint restores parameters from the checkpoint path and resumes
// from its epoch. The early-stop counter and best loss start over.
func (t *Trainer) LoadCheckpoint() error {
	epoch, err := t.ckpt.Load(t.m.Parameters())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	t.state = plateau.NewRunState(epoch, t.state.LR, t.policy)
	log.Printf("[CKPT] loaded %s at epoch %d", t.ckpt.Path(), epoch)
	return nil
}

func (t *Trainer) supervisedOptimizer(lr float64) *optim.Adam {
	c := optim.DefaultAdamConfig(lr)
	c.WeightDecay = t.cfg.WeightDecay
	return optim.NewAdam(c)
}

func rlOptimizer(lr float64) *optim.Adam {
	return optim.NewAdam(optim.DefaultAdamConfig(lr))
}

// #endregion params

// #region end-of-epoch

// endEpoch applies the plateau rule, saves or rebuilds the optimizer, and
// records the decision. It reports whether the run should stop.
func (t *Trainer) endEpoch(tag, mode string, rep *EpochReport, rebuild func(lr float64) *optim.Adam) (bool, error) {
	next, d := plateau.Step(t.state, rep.Epoch, rep.ValidLoss, t.policy)
	t.state = next
	rep.Decision = d
	log.Printf("[%s] epoch %d: train=%.6f valid=%.6f action=%s lr=%g countdown=%d",
		tag, rep.Epoch, rep.TrainLoss, rep.ValidLoss, d.Action, d.LR, d.EarlyStopCount)

	switch d.Action {
	case plateau.ActionSave:
		if err := t.ckpt.Save(rep.Epoch, t.m.Parameters(), t.cfg); err != nil {
			return false, fmt.Errorf("epoch %d: %w", rep.Epoch, err)
		}
		log.Printf("[CKPT] saved epoch %d to %s", rep.Epoch, t.ckpt.Path())
	case plateau.ActionDecay:
		t.opt = rebuild(t.state.LR)
	}

	t.record(tag, mode, *rep)
	return d.Action == plateau.ActionStop, nil
}

// record persists the epoch state and its decision when a store is attached.
// Failures are logged; they never abort training.
func (t *Trainer) record(tag, mode string, rep EpochReport) {
	if t.store == nil {
		return
	}
	metrics := map[string]float64{
		"train_loss": rep.TrainLoss,
		"valid_loss": rep.ValidLoss,
		"lr":         rep.Decision.LR,
	}
	if rep.Preview != nil {
		for _, m := range rep.Preview.Metrics {
			metrics[m.Name] = m.Value
		}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		log.Printf("[%s] failed to encode metrics: %v", tag, err)
	}

	rec, err := t.store.CommitEpoch(runstate.EpochRecord{
		RunID:       t.runID,
		Epoch:       rep.Epoch,
		State:       t.state,
		TrainLoss:   rep.TrainLoss,
		ValidLoss:   rep.ValidLoss,
		Action:      rep.Decision.Action,
		MetricsJSON: string(metricsJSON),
	})
	if err != nil {
		log.Printf("[%s] failed to record epoch %d: %v", tag, rep.Epoch, err)
	}
	err = logging.LogDecision(t.store.DB(), logging.DecisionEntry{
		RunID:       t.runID,
		VersionID:   rec.VersionID,
		Epoch:       rep.Epoch,
		Mode:        mode,
		Decision:    string(rep.Decision.Action),
		Reason:      rep.Decision.Reason,
		MetricsJSON: string(metricsJSON),
	})
	if err != nil {
		log.Printf("[%s] failed to log decision for epoch %d: %v", tag, rep.Epoch, err)
	}
}

// saveFinal writes the final parameters next to the best checkpoint.
func (t *Trainer) saveFinal(epoch int) error {
	if err := t.ckpt.SaveFinal(epoch, t.m.Parameters(), t.cfg); err != nil {
		return err
	}
	log.Printf("[CKPT] saved final epoch %d to %s", epoch, t.ckpt.FinalPath())
	return nil
}

// #endregion end-of-epoch

// ctxErr wraps a cancellation so callers can tell it from a model failure.
func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
