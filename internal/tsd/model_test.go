package tsd

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

// Reserved ids: EOS_Z1=4 EOS_Z2=5 EOS_M=6 <split>=7; content ids start at 8.

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Default("camrest")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	cfg.VocabSize = 12
	cfg.HiddenSize = 4
	cfg.DegreeSize = 2
	cfg.MaxTS = 6
	cfg.ZLength = 4
	cfg.HiddenCarry = 0.5
	cfg.Seed = 7
	return cfg
}

func turnOne() batch.DialogueBatch {
	return batch.DialogueBatch{
		DialogueIDs: []string{"a", "b"},
		User:        [][]int{{8, 9}, {10}},
		UserLen:     []int{2, 1},
		Belief:      [][]int{{9, 4, 5}, {4, 11, 5}},
		Constraint:  [][]int{{9, 4}, {4}},
		ActUser:     [][]int{{10, 5}, {5}},
		ActSystem:   [][]int{{11, 7}, {7}},
		Response:    [][]int{{8, 10, 6}, {11, 6}},
		ResponseLen: []int{3, 2},
		Degree:      [][]float64{{1, 0}, {0, 1}},
	}
}

func turnTwo() batch.DialogueBatch {
	return batch.DialogueBatch{
		TurnNum:     1,
		DialogueIDs: []string{"a", "b"},
		User:        [][]int{{11}, {9, 8, 8}},
		UserLen:     []int{1, 3},
		Belief:      [][]int{{9, 4, 10, 5}, {8, 4, 11, 5}},
		Constraint:  [][]int{{9, 4}, {8, 4}},
		ActUser:     [][]int{{9, 5}, {8, 5}},
		ActSystem:   [][]int{{10, 7}, {11, 7}},
		Response:    [][]int{{9, 6}, {8, 9, 10, 6}},
		ResponseLen: []int{2, 4},
		Degree:      [][]float64{{0, 1}, {1, 1}},
	}
}

func encodeTurns(t *testing.T, cfg config.Config) (*batch.EncodedTensors, *batch.EncodedTensors) {
	t.Helper()
	enc := batch.NewEncoder(cfg, vocab.New())
	one := turnOne()
	e1, err := enc.Encode(one, batch.Initial{})
	if err != nil {
		t.Fatalf("Encode turn 1: %v", err)
	}
	e2, err := enc.Encode(turnTwo(), enc.Defaults(2).WithBelief(one.Belief))
	if err != nil {
		t.Fatalf("Encode turn 2: %v", err)
	}
	return e1, e2
}

func zeroGrads(m *Model) {
	for _, p := range m.Parameters() {
		p.Grad.Zero()
	}
}

// checkGradients compares every analytic gradient entry with a central
// finite difference of loss.
func checkGradients(t *testing.T, m *Model, loss func() float64) {
	t.Helper()
	const eps = 1e-6
	for _, p := range m.Parameters() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+eps)
				up := loss()
				p.Value.Set(i, j, orig-eps)
				down := loss()
				p.Value.Set(i, j, orig)

				num := (up - down) / (2 * eps)
				got := p.Grad.At(i, j)
				if math.Abs(num-got) > 1e-5*math.Max(1, math.Abs(num)+math.Abs(got)) {
					t.Fatalf("%s[%d,%d]: analytic %.8f, numeric %.8f", p.Name, i, j, got, num)
				}
			}
		}
	}
}

func TestSupervisedGradientSingleTurn(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, _ := encodeTurns(t, cfg)

	var st model.TurnState
	g := model.NewGraph()
	res, err := m.Supervised(e1, &st, g)
	if err != nil {
		t.Fatalf("Supervised: %v", err)
	}
	sum := res.Belief + res.Constraint + res.ActUser + res.ActSystem + res.Response
	if math.Abs(res.Loss-sum) > 1e-12 {
		t.Fatalf("total %f does not equal component sum %f", res.Loss, sum)
	}
	if err := m.Backward(g, false); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if !g.Released() {
		t.Fatal("graph should be released after a non-retaining backward")
	}

	checkGradients(t, m, func() float64 {
		var s model.TurnState
		r, err := m.Supervised(e1, &s, nil)
		if err != nil {
			t.Fatalf("Supervised: %v", err)
		}
		return r.Loss
	})
}

func TestSupervisedGradientThroughHiddenState(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, e2 := encodeTurns(t, cfg)

	var st model.TurnState
	g := model.NewGraph()
	if _, err := m.Supervised(e1, &st, g); err != nil {
		t.Fatalf("Supervised turn 1: %v", err)
	}
	if err := m.Backward(g, true); err != nil {
		t.Fatalf("Backward turn 1: %v", err)
	}
	if g.Released() || g.Len() != 1 {
		t.Fatal("retaining backward must keep the turn")
	}
	zeroGrads(m)
	if _, err := m.Supervised(e2, &st, g); err != nil {
		t.Fatalf("Supervised turn 2: %v", err)
	}
	if err := m.Backward(g, false); err != nil {
		t.Fatalf("Backward turn 2: %v", err)
	}

	checkGradients(t, m, func() float64 {
		var s model.TurnState
		if _, err := m.Supervised(e1, &s, nil); err != nil {
			t.Fatalf("Supervised: %v", err)
		}
		r, err := m.Supervised(e2, &s, nil)
		if err != nil {
			t.Fatalf("Supervised: %v", err)
		}
		return r.Loss
	})
}

func TestBackwardErrors(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, _ := encodeTurns(t, cfg)

	g := model.NewGraph()
	if err := m.Backward(g, false); !errors.Is(err, model.ErrNoLoss) {
		t.Fatalf("expected ErrNoLoss on empty graph, got %v", err)
	}
	var st model.TurnState
	if _, err := m.Supervised(e1, &st, g); err != nil {
		t.Fatalf("Supervised: %v", err)
	}
	if err := m.Backward(g, false); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if err := m.Backward(g, false); !errors.Is(err, model.ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
}

func TestTurnStateCarried(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, e2 := encodeTurns(t, cfg)

	var carried model.TurnState
	if _, err := m.Supervised(e1, &carried, nil); err != nil {
		t.Fatalf("Supervised: %v", err)
	}
	after, err := m.Supervised(e2, &carried, nil)
	if err != nil {
		t.Fatalf("Supervised: %v", err)
	}
	if carried.Turn != 2 {
		t.Fatalf("expected turn counter 2, got %d", carried.Turn)
	}

	var fresh model.TurnState
	alone, err := m.Supervised(e2, &fresh, nil)
	if err != nil {
		t.Fatalf("Supervised: %v", err)
	}
	if alone.Loss == after.Loss {
		t.Fatal("hidden state from turn 1 should influence turn 2")
	}

	bad := model.TurnState{Hidden: mat.NewDense(cfg.HiddenSize, 3, nil)}
	if _, err := m.Supervised(e2, &bad, nil); !errors.Is(err, batch.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for stale turn state, got %v", err)
	}
}

func TestDecodeTerminators(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, _ := encodeTurns(t, cfg)

	var st model.TurnState
	res, err := m.Decode(e1, &st, model.DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cases := []struct {
		name  string
		seqs  [][]int
		term  int
		limit int
	}{
		{"belief", res.Belief, 5, cfg.ZLength},
		{"constraint", res.Constraint, 4, cfg.ZLength},
		{"act_user", res.ActUser, 5, cfg.ZLength},
		{"act_system", res.ActSystem, 7, cfg.ZLength},
		{"response", res.Response, 6, cfg.MaxTS},
	}
	for _, c := range cases {
		if len(c.seqs) != 2 {
			t.Fatalf("%s: expected 2 sequences, got %d", c.name, len(c.seqs))
		}
		for i, seq := range c.seqs {
			if len(seq) == 0 || len(seq) > c.limit {
				t.Errorf("%s[%d]: length %d outside (0, %d]", c.name, i, len(seq), c.limit)
				continue
			}
			if seq[len(seq)-1] != c.term {
				t.Errorf("%s[%d]: expected terminator %d last, got %v", c.name, i, c.term, seq)
			}
			seen := map[int]bool{}
			for _, id := range seq {
				if seen[id] {
					t.Errorf("%s[%d]: repeated token in %v", c.name, i, seq)
				}
				seen[id] = true
			}
		}
	}
	if st.Turn != 1 || st.Empty() {
		t.Fatal("Decode should advance the turn state")
	}
}

func TestDecodePretrainCopiesBelief(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, _ := encodeTurns(t, cfg)

	var st model.TurnState
	res, err := m.Decode(e1, &st, model.DecodeOptions{Pretrain: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := turnOne().Belief
	for i := range want {
		if len(res.Belief[i]) != len(want[i]) {
			t.Fatalf("belief[%d]: got %v, want %v", i, res.Belief[i], want[i])
		}
		for j := range want[i] {
			if res.Belief[i][j] != want[i][j] {
				t.Fatalf("belief[%d]: got %v, want %v", i, res.Belief[i], want[i])
			}
		}
	}
}

func TestDeterministicInit(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, vocab.New()).Parameters()
	b := New(cfg, vocab.New()).Parameters()
	for i := range a {
		if !mat.Equal(a[i].Value, b[i].Value) {
			t.Fatalf("%s differs between runs with the same seed", a[i].Name)
		}
	}
	cfg.Seed = 8
	c := New(cfg, vocab.New()).Parameters()
	if mat.Equal(a[0].Value, c[0].Value) {
		t.Fatal("different seeds should give different parameters")
	}
}

func TestReinforceWithoutSignal(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	enc := batch.NewEncoder(cfg, vocab.New())
	b := turnOne()
	b.Response = [][]int{{6}, {6}}
	b.ResponseLen = []int{1, 1}
	in, err := enc.Encode(b, batch.Initial{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var st model.TurnState
	g := model.NewGraph()
	res, err := m.Reinforce(in, &st, g)
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if res.HasSignal || res.Loss != 0 {
		t.Fatalf("expected no signal for an empty target, got %+v", res)
	}
	if g.Len() != 1 || g.Pending() {
		t.Fatal("a turn without signal is kept in the graph but not pending")
	}
	if err := m.Backward(g, false); !errors.Is(err, model.ErrNoLoss) {
		t.Fatalf("expected ErrNoLoss, got %v", err)
	}
}

func TestReinforceGradientOnResponseHead(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, vocab.New())
	e1, _ := encodeTurns(t, cfg)

	var g *model.Graph
	found := false
	for attempt := 0; attempt < 100 && !found; attempt++ {
		var st model.TurnState
		g = model.NewGraph()
		res, err := m.Reinforce(e1, &st, g)
		if err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
		found = res.HasSignal
	}
	if !found {
		t.Fatal("expected a learnable signal within 100 samples")
	}
	if err := m.Backward(g, false); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range m.Parameters() {
		norm := mat.Norm(p.Grad, 2)
		switch p.Name {
		case "decoder.response.weight":
			if norm == 0 {
				t.Errorf("%s: expected non-zero gradient", p.Name)
			}
		case "decoder.belief.weight", "decoder.constraint.weight",
			"decoder.act_user.weight", "decoder.act_system.weight":
			if norm != 0 {
				t.Errorf("%s: expected zero gradient, got norm %f", p.Name, norm)
			}
		}
	}
}

func TestSelfAdjustTemperature(t *testing.T) {
	m := New(testConfig(t), vocab.New())
	m.SelfAdjust(0)
	if m.Temperature() != initialTemperature {
		t.Fatalf("epoch 0: expected %f, got %f", initialTemperature, m.Temperature())
	}
	m.SelfAdjust(1)
	if math.Abs(m.Temperature()-0.9) > 1e-12 {
		t.Fatalf("epoch 1: expected 0.9, got %f", m.Temperature())
	}
	m.SelfAdjust(100)
	if m.Temperature() != minTemperature {
		t.Fatalf("expected floor %f, got %f", minTemperature, m.Temperature())
	}
}

func TestTokenF1(t *testing.T) {
	if got := tokenF1([]int{8, 9}, []int{8, 9}); got != 1 {
		t.Errorf("identical: expected 1, got %f", got)
	}
	if got := tokenF1([]int{8}, []int{8, 9}); math.Abs(got-2.0/3) > 1e-12 {
		t.Errorf("partial: expected 0.667, got %f", got)
	}
	if got := tokenF1(nil, []int{8}); got != 0 {
		t.Errorf("empty prediction: expected 0, got %f", got)
	}
}
