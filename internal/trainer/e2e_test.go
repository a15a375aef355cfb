package trainer

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/checkpoint"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/tsd"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

func e2eConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Default("camrest")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	cfg.VocabSize = 50
	cfg.MaxTS = 8
	cfg.HiddenSize = 6
	cfg.DegreeSize = 2
	cfg.ZLength = 4
	cfg.EpochNum = 1
	cfg.RLEpochNum = 1
	cfg.ValidatePreview = false
	cfg.Seed = 5
	return cfg
}

// e2eDialogues is one batch of two dialogues with two turns each.
func e2eDialogues() [][]batch.DialogueBatch {
	first := batch.DialogueBatch{
		TurnNum:     0,
		DialogueIDs: []string{"d1", "d2"},
		User:        [][]int{{8, 9, 10}, {11, 12}},
		UserLen:     []int{3, 2},
		Belief:      [][]int{{20, 4, 5}, {21, 4, 30, 5}},
		Constraint:  [][]int{{20, 4}, {21, 4}},
		ActUser:     [][]int{{40, 5}, {41, 5}},
		ActSystem:   [][]int{{42, 7}, {43, 7}},
		Response:    [][]int{{13, 14, 15, 6}, {16, 17, 6}},
		ResponseLen: []int{4, 3},
		Degree:      [][]float64{{1, 0}, {0, 1}},
	}
	second := batch.DialogueBatch{
		TurnNum:     1,
		DialogueIDs: []string{"d1", "d2"},
		User:        [][]int{{18, 19}, {22, 23, 24, 25}},
		UserLen:     []int{2, 4},
		Belief:      [][]int{{20, 22, 4, 5}, {21, 4, 30, 31, 5}},
		Constraint:  [][]int{{20, 22, 4}, {21, 4}},
		ActUser:     [][]int{{44, 5}, {45, 5}},
		ActSystem:   [][]int{{46, 7}, {47, 7}},
		Response:    [][]int{{26, 27, 6}, {28, 29, 13, 14, 15, 16, 17, 18, 6}},
		ResponseLen: []int{3, 9},
		Degree:      [][]float64{{0, 1}, {1, 0}},
	}
	return [][]batch.DialogueBatch{{first, second}}
}

func newTSDTrainer(t *testing.T, cfg config.Config) (*Trainer, *tsd.Model) {
	t.Helper()
	v := vocab.New()
	m := tsd.New(cfg, v)
	dials := e2eDialogues()
	tr, err := New(cfg, Deps{
		Model:       m,
		Data:        sliceSource{"train": dials, "dev": dials},
		Encoder:     batch.NewEncoder(cfg, v),
		Checkpoints: checkpoint.New(filepath.Join(t.TempDir(), "model.ckpt")),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, m
}

func snapshot(params []*model.Param) []*mat.Dense {
	out := make([]*mat.Dense, len(params))
	for i, p := range params {
		out[i] = mat.DenseCopyOf(p.Value)
	}
	return out
}

func TestEndToEndSupervisedStep(t *testing.T) {
	tr, m := newTSDTrainer(t, e2eConfig(t))
	before := snapshot(m.Parameters())

	reports, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one epoch, got %d", len(reports))
	}
	loss := reports[0].TrainLoss
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss <= 0 {
		t.Fatalf("training loss should be finite and positive, got %v", loss)
	}

	changed := 0
	for i, p := range m.Parameters() {
		if !mat.Equal(before[i], p.Value) {
			changed++
		}
	}
	if changed == 0 {
		t.Fatal("no parameter changed after a training epoch")
	}
}

func TestTrainingIsDeterministic(t *testing.T) {
	cfg := e2eConfig(t)
	cfg.EpochNum = 2
	a, ma := newTSDTrainer(t, cfg)
	b, mb := newTSDTrainer(t, cfg)

	ra, err := a.Train(context.Background())
	if err != nil {
		t.Fatalf("Train a: %v", err)
	}
	rb, err := b.Train(context.Background())
	if err != nil {
		t.Fatalf("Train b: %v", err)
	}
	for i := range ra {
		if ra[i].TrainLoss != rb[i].TrainLoss || ra[i].ValidLoss != rb[i].ValidLoss {
			t.Fatalf("epoch %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
	}
	pa, pb := ma.Parameters(), mb.Parameters()
	for i := range pa {
		if !mat.Equal(pa[i].Value, pb[i].Value) {
			t.Fatalf("param %s differs between identical runs", pa[i].Name)
		}
	}
}

func TestEndToEndReinforce(t *testing.T) {
	tr, m := newTSDTrainer(t, e2eConfig(t))
	before := snapshot(m.Parameters())

	reports, err := tr.Reinforce(context.Background())
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one rl epoch, got %d", len(reports))
	}
	r := reports[0]
	if r.Turns+r.Skipped != 2 {
		t.Fatalf("every turn is either stepped or skipped: turns=%d skipped=%d", r.Turns, r.Skipped)
	}
	if r.Turns > 0 {
		changed := false
		for i, p := range m.Parameters() {
			if !mat.Equal(before[i], p.Value) {
				changed = true
			}
		}
		if !changed {
			t.Fatal("an rl step should change parameters")
		}
	}
}
