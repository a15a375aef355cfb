package trainer

import (
	"context"
	"fmt"
	"log"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/metric"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/optim"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/reader"
)

// lossEps keeps epoch means finite when no turn contributed.
const lossEps = 1e-8

// #region train

// Train runs supervised epochs 0..epoch_num-1, skipping those at or before the
// base epoch. After each epoch it validates on dev and applies the plateau
// rule. The final parameters are saved with the final suffix.
func (t *Trainer) Train(ctx context.Context) ([]EpochReport, error) {
	var reports []EpochReport
	last := -1
	for epoch := 0; epoch < t.cfg.EpochNum; epoch++ {
		if epoch <= t.state.BaseEpoch {
			continue
		}
		if err := ctxErr(ctx, "train"); err != nil {
			return reports, err
		}
		if t.adjust != nil {
			t.adjust(epoch)
		}
		t.m.SelfAdjust(epoch)

		rep, err := t.trainEpoch(epoch)
		if err != nil {
			return reports, err
		}
		if err := t.validateInto(ctx, &rep); err != nil {
			return reports, err
		}
		stop, err := t.endEpoch("TRAIN", ModeTrain, &rep, t.supervisedOptimizer)
		reports = append(reports, rep)
		last = epoch
		if err != nil {
			return reports, err
		}
		if stop {
			log.Printf("[TRAIN] early stop at epoch %d", epoch)
			break
		}
	}
	if last >= 0 {
		if err := t.saveFinal(last); err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (t *Trainer) trainEpoch(epoch int) (EpochReport, error) {
	rep := EpochReport{Epoch: epoch}
	batches, err := t.data.MiniBatches(reader.SplitTrain)
	if err != nil {
		return rep, fmt.Errorf("train epoch %d: %w", epoch, err)
	}
	params := t.m.Parameters()
	var total float64

	for iter, dial := range batches {
		var st model.TurnState
		var prev batch.PreviousState = batch.Initial{}
		g := model.NewGraph()

		for turn, tb := range dial {
			optim.ZeroGrad(params)
			in, err := t.enc.Encode(tb, prev)
			if err != nil {
				g.Release()
				return rep, fmt.Errorf("train epoch %d batch %d turn %d: %w", epoch, iter, turn, err)
			}
			res, err := t.m.Supervised(in, &st, g)
			if err != nil {
				g.Release()
				return rep, fmt.Errorf("train epoch %d batch %d turn %d: %w", epoch, iter, turn, err)
			}
			if !model.Finite(res.Loss) {
				g.Release()
				return rep, fmt.Errorf("train epoch %d batch %d turn %d: loss %v: %w",
					epoch, iter, turn, res.Loss, ErrNumericInstability)
			}
			if err := t.m.Backward(g, turn != len(dial)-1); err != nil {
				return rep, fmt.Errorf("train epoch %d batch %d turn %d: backward: %w", epoch, iter, turn, err)
			}
			norm := optim.ClipGradNorm(params, t.cfg.GradClipTrain)
			if !model.Finite(norm) {
				g.Release()
				return rep, fmt.Errorf("train epoch %d batch %d turn %d: grad norm %v: %w",
					epoch, iter, turn, norm, ErrNumericInstability)
			}
			t.opt.Step(params)

			total += res.Loss
			rep.Turns++
			if t.cfg.Debug {
				log.Printf("[TRAIN] iter %d turn %d loss=%.6f pr=%.6f pr1=%.6f pr2=%.6f pr3=%.6f m=%.6f grad=%.4f",
					iter, turn, res.Loss, res.Belief, res.Constraint, res.ActUser, res.ActSystem, res.Response, norm)
			}
			prev = t.enc.Defaults(tb.Size()).WithBelief(tb.Belief)
		}
		if !g.Released() {
			g.Release()
		}
	}

	rep.TrainLoss = total / (float64(rep.Turns) + lossEps)
	log.Printf("[TRAIN] avg training loss in epoch %d: %.6f over %d turns", epoch, rep.TrainLoss, rep.Turns)
	return rep, nil
}

// #endregion train

// #region validate

// Validate returns the mean supervised loss over the dev split without
// updating parameters. The unsupervised component is always zero. When
// validate_preview is set it also runs Eval on the test split.
func (t *Trainer) Validate(ctx context.Context) (sup, unsup float64, err error) {
	var rep EpochReport
	if err := t.validateInto(ctx, &rep); err != nil {
		return 0, 0, err
	}
	return rep.ValidLoss, 0, nil
}

func (t *Trainer) validateInto(ctx context.Context, rep *EpochReport) error {
	sup, err := t.validLoss()
	if err != nil {
		return err
	}
	rep.ValidLoss = sup
	log.Printf("[TRAIN] validation loss in epoch %d sup:%.6f unsup:%.6f", rep.Epoch, sup, 0.0)

	if t.cfg.ValidatePreview && t.writer != nil && t.eval != nil {
		summary, err := t.Eval(ctx, reader.SplitTest)
		if err != nil {
			return fmt.Errorf("validation preview: %w", err)
		}
		rep.Preview = &summary
	}
	return nil
}

func (t *Trainer) validLoss() (float64, error) {
	t.m.SetTraining(false)
	defer t.m.SetTraining(true)

	batches, err := t.data.MiniBatches(reader.SplitDev)
	if err != nil {
		return 0, fmt.Errorf("validate: %w", err)
	}
	var total float64
	var cnt int
	for iter, dial := range batches {
		var st model.TurnState
		var prev batch.PreviousState = batch.Initial{}
		for turn, tb := range dial {
			in, err := t.enc.Encode(tb, prev)
			if err != nil {
				return 0, fmt.Errorf("validate batch %d turn %d: %w", iter, turn, err)
			}
			res, err := t.m.Supervised(in, &st, nil)
			if err != nil {
				return 0, fmt.Errorf("validate batch %d turn %d: %w", iter, turn, err)
			}
			if !model.Finite(res.Loss) {
				return 0, fmt.Errorf("validate batch %d turn %d: loss %v: %w", iter, turn, res.Loss, ErrNumericInstability)
			}
			total += res.Loss
			cnt++
			if t.cfg.Debug {
				log.Printf("[TRAIN] valid iter %d turn %d loss=%.6f", iter, turn, res.Loss)
			}
			prev = t.enc.Defaults(tb.Size()).WithBelief(tb.Belief)
		}
	}
	return total / (float64(cnt) + lossEps), nil
}

// #endregion validate

// #region eval

// Eval greedily decodes a split, writes every turn through the result writer
// and scores the written file with the metric evaluator. The next turn's
// previous belief is the ground truth when eval_with_ground_truth is set and
// the decoded belief span otherwise. Training mode is restored on return.
func (t *Trainer) Eval(ctx context.Context, split string) (metric.Summary, error) {
	if t.writer == nil || t.eval == nil {
		return metric.Summary{}, fmt.Errorf("eval: result writer and evaluator: %w", ErrMissingDependency)
	}
	t.m.SetTraining(false)
	defer t.m.SetTraining(true)

	batches, err := t.data.MiniBatches(split)
	if err != nil {
		return metric.Summary{}, fmt.Errorf("eval %s: %w", split, err)
	}
	t.writer.Reset()
	opts := model.DecodeOptions{Pretrain: t.cfg.Pretrain}

	for iter, dial := range batches {
		if err := ctxErr(ctx, "eval"); err != nil {
			return metric.Summary{}, err
		}
		var st model.TurnState
		var prev batch.PreviousState = batch.Initial{}
		for turn, tb := range dial {
			in, err := t.enc.Encode(tb, prev)
			if err != nil {
				return metric.Summary{}, fmt.Errorf("eval batch %d turn %d: %w", iter, turn, err)
			}
			dec, err := t.m.Decode(in, &st, opts)
			if err != nil {
				return metric.Summary{}, fmt.Errorf("eval batch %d turn %d: %w", iter, turn, err)
			}
			if err := t.writer.WrapResult(tb, dec, in.Prev.Belief); err != nil {
				return metric.Summary{}, fmt.Errorf("eval batch %d turn %d: %w", iter, turn, err)
			}
			next := tb.Belief
			if !t.cfg.EvalWithGroundTruth {
				next = dec.Belief
			}
			prev = t.enc.Defaults(tb.Size()).WithBelief(next)
		}
	}

	if err := t.writer.Flush(); err != nil {
		return metric.Summary{}, fmt.Errorf("eval %s: %w", split, err)
	}
	summary, err := t.eval.RunMetrics(ctx)
	if err != nil {
		return metric.Summary{}, fmt.Errorf("eval %s: %w", split, err)
	}
	log.Printf("[EVAL] %s: %s", split, summary)
	return summary, nil
}

// #endregion eval

// #region reinforce

// Reinforce fine-tunes with policy gradient for rl_epoch_num epochs after the
// base epoch. It starts a fresh optimizer without weight decay and a fresh
// plateau counter. Turns without a reward signal are skipped.
func (t *Trainer) Reinforce(ctx context.Context) ([]EpochReport, error) {
	t.state = t.freshState()
	t.opt = rlOptimizer(t.cfg.LR)

	base := t.state.BaseEpoch
	var reports []EpochReport
	last := -1
	for epoch := base + 1; epoch <= base+t.cfg.RLEpochNum; epoch++ {
		if err := ctxErr(ctx, "reinforce"); err != nil {
			return reports, err
		}
		rep, err := t.rlEpoch(epoch)
		if err != nil {
			return reports, err
		}
		if err := t.validateInto(ctx, &rep); err != nil {
			return reports, err
		}
		stop, err := t.endEpoch("RL", ModeRL, &rep, rlOptimizer)
		reports = append(reports, rep)
		last = epoch
		if err != nil {
			return reports, err
		}
		if stop {
			log.Printf("[RL] early stop at epoch %d", epoch)
			break
		}
	}
	if last >= 0 {
		if err := t.saveFinal(last); err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (t *Trainer) freshState() plateau.RunState {
	return plateau.NewRunState(t.state.BaseEpoch, t.cfg.LR, t.policy)
}

func (t *Trainer) rlEpoch(epoch int) (EpochReport, error) {
	rep := EpochReport{Epoch: epoch}
	batches, err := t.data.MiniBatches(reader.SplitTrain)
	if err != nil {
		return rep, fmt.Errorf("rl epoch %d: %w", epoch, err)
	}
	params := t.m.Parameters()
	var total float64

	for iter, dial := range batches {
		var st model.TurnState
		var prev batch.PreviousState = batch.Initial{}
		g := model.NewGraph()

		for turn, tb := range dial {
			optim.ZeroGrad(params)
			in, err := t.enc.Encode(tb, prev)
			if err != nil {
				g.Release()
				return rep, fmt.Errorf("rl epoch %d batch %d turn %d: %w", epoch, iter, turn, err)
			}
			res, err := t.m.Reinforce(in, &st, g)
			if err != nil {
				g.Release()
				return rep, fmt.Errorf("rl epoch %d batch %d turn %d: %w", epoch, iter, turn, err)
			}
			prev = t.enc.Defaults(tb.Size()).WithBelief(tb.Belief)
			if !res.HasSignal {
				rep.Skipped++
				if t.cfg.Debug {
					log.Printf("[RL] iter %d turn %d: no reward signal, skipped", iter, turn)
				}
				continue
			}
			if !model.Finite(res.Loss) {
				g.Release()
				return rep, fmt.Errorf("rl epoch %d batch %d turn %d: loss %v: %w",
					epoch, iter, turn, res.Loss, ErrNumericInstability)
			}
			if err := t.m.Backward(g, turn != len(dial)-1); err != nil {
				return rep, fmt.Errorf("rl epoch %d batch %d turn %d: backward: %w", epoch, iter, turn, err)
			}
			norm := optim.ClipGradNorm(params, t.cfg.GradClipRL)
			if !model.Finite(norm) {
				g.Release()
				return rep, fmt.Errorf("rl epoch %d batch %d turn %d: grad norm %v: %w",
					epoch, iter, turn, norm, ErrNumericInstability)
			}
			t.opt.Step(params)

			total += res.Loss
			rep.Turns++
			if t.cfg.Debug {
				log.Printf("[RL] iter %d turn %d loss=%.6f grad=%.4f", iter, turn, res.Loss, norm)
			}
		}
		if !g.Released() {
			g.Release()
		}
	}

	rep.TrainLoss = total / (float64(rep.Turns) + lossEps)
	log.Printf("[RL] avg training loss in epoch %d: %.6f over %d turns, %d skipped",
		epoch, rep.TrainLoss, rep.Turns, rep.Skipped)
	return rep, nil
}

// #endregion reinforce
