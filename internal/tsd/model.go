// Package tsd is a compact in-process sequence model with one decoder head
// per output stream. A turn is encoded as a bag of user and previous-belief
// embeddings mixed into a carried hidden state:
//
//	h_t = carry*h_{t-1} + (1-carry)*x_t
//
// Each head scores the vocabulary from [h_t; degree]. Gradients are exact,
// including through the hidden state into earlier turns of the same graph.
package tsd

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

var _ model.SequenceModel = (*Model)(nil)

// #region model
// Model implements model.SequenceModel.
type Model struct {
	hidden    int
	degree    int
	vocabSize int
	zLength   int
	maxLen    int
	carry     float64
	reserved  int // ids below this are special tokens
	terms     [numStreams]int
	eosM      int

	user  *model.Param // (hidden, vocab)
	prev  *model.Param // (hidden, vocab)
	heads [numStreams]head

	training    bool
	temperature float64
	src         rand.Source
}

// New builds a model whose parameters are drawn from a uniform distribution
// seeded by cfg.Seed. Sampling in Reinforce uses its own stream of the same seed.
func New(cfg config.Config, v *vocab.Vocab) *Model {
	seed := uint64(cfg.Seed)
	initSrc := rand.NewPCG(seed, 0x853c49e6748fea9b)

	m := &Model{
		hidden:      cfg.HiddenSize,
		degree:      cfg.DegreeSize,
		vocabSize:   cfg.VocabSize,
		zLength:     cfg.ZLength,
		maxLen:      cfg.MaxTS,
		carry:       cfg.HiddenCarry,
		reserved:    v.Encode(vocab.Split) + 1,
		eosM:        v.Encode(vocab.EOSM),
		training:    true,
		temperature: initialTemperature,
		src:         rand.NewPCG(seed, 0xda3e39cb94b95bdb),
	}
	m.terms = [numStreams]int{
		streamBelief:     v.Encode(vocab.EOSZ2),
		streamConstraint: v.Encode(vocab.EOSZ1),
		streamActUser:    v.Encode(vocab.EOSZ2),
		streamActSystem:  v.Encode(vocab.Split),
		streamResponse:   m.eosM,
	}

	m.user = model.NewParam("encoder.user", m.hidden, m.vocabSize, randomArray(m.hidden*m.vocabSize, float64(m.hidden), initSrc))
	m.prev = model.NewParam("encoder.prev_belief", m.hidden, m.vocabSize, randomArray(m.hidden*m.vocabSize, float64(m.hidden), initSrc))
	in := m.hidden + m.degree
	for k := range m.heads {
		m.heads[k] = head{
			w: model.NewParam("decoder."+streamNames[k]+".weight", m.vocabSize, in, randomArray(m.vocabSize*in, float64(in), initSrc)),
			b: model.NewParam("decoder."+streamNames[k]+".bias", m.vocabSize, 1, nil),
		}
	}
	return m
}

// randomArray draws size weights from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func randomArray(size int, fanIn float64, src rand.Source) []float64 {
	dist := distuv.Uniform{
		Min: -1 / math.Sqrt(fanIn),
		Max: 1 / math.Sqrt(fanIn),
		Src: src,
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = dist.Rand()
	}
	return data
}

// Parameters returns every parameter in a fixed order.
func (m *Model) Parameters() []*model.Param {
	out := []*model.Param{m.user, m.prev}
	for _, h := range m.heads {
		out = append(out, h.w, h.b)
	}
	return out
}

// SetTraining switches between training and inference mode.
func (m *Model) SetTraining(training bool) { m.training = training }

// Training reports the current mode.
func (m *Model) Training() bool { return m.training }

// SelfAdjust anneals the sampling temperature used by Reinforce.
func (m *Model) SelfAdjust(epoch int) {
	m.temperature = math.Max(minTemperature, initialTemperature*math.Pow(temperatureDecay, float64(epoch)))
}

// Temperature returns the current sampling temperature.
func (m *Model) Temperature() float64 { return m.temperature }
// #endregion model

// #region forward

// forward encodes one turn, advances st and returns the step to record.
func (m *Model) forward(in *batch.EncodedTensors, st *model.TurnState) (*step, error) {
	if in == nil || st == nil {
		return nil, errors.New("forward: nil input or turn state")
	}
	n := in.BatchSize
	if r, c := in.Degree.Dims(); r != n || c != m.degree {
		return nil, fmt.Errorf("%w: degree is %dx%d, want %dx%d", batch.ErrShapeMismatch, r, c, n, m.degree)
	}

	s := &step{user: make([][]int, n), prev: make([][]int, n)}
	x := mat.NewDense(m.hidden, n, nil)
	for i := 0; i < n; i++ {
		s.user[i] = m.bag(in.User.Seq(i))
		s.prev[i] = m.bag(in.PrevBelief.Seq(i))
		embed(x, i, m.user.Value, s.user[i])
		embed(x, i, m.prev.Value, s.prev[i])
	}

	h := mat.NewDense(m.hidden, n, nil)
	h.Scale(1-m.carry, x)
	if !st.Empty() {
		if r, c := st.Hidden.Dims(); r != m.hidden || c != n {
			return nil, fmt.Errorf("%w: turn state is %dx%d, batch has %d dialogues", batch.ErrShapeMismatch, r, c, n)
		}
		var carried mat.Dense
		carried.Scale(m.carry, st.Hidden)
		h.Add(h, &carried)
	}
	st.Hidden = h
	st.Turn++

	s.f = mat.NewDense(m.hidden+m.degree, n, nil)
	s.f.Slice(0, m.hidden, 0, n).(*mat.Dense).Copy(h)
	s.f.Slice(m.hidden, m.hidden+m.degree, 0, n).(*mat.Dense).Copy(in.Degree.T())
	return s, nil
}

// bag drops PAD and maps out-of-vocabulary ids to UNK.
func (m *Model) bag(seq []int) []int {
	out := make([]int, 0, len(seq))
	for _, id := range seq {
		switch {
		case id == vocab.PadID:
			continue
		case id < 0 || id >= m.vocabSize:
			out = append(out, vocab.UnkID)
		default:
			out = append(out, id)
		}
	}
	return out
}

// embed adds the mean embedding column of ids to column i of x.
func embed(x *mat.Dense, i int, table *mat.Dense, ids []int) {
	if len(ids) == 0 {
		return
	}
	w := 1 / float64(len(ids))
	rows, _ := x.Dims()
	for _, id := range ids {
		for r := 0; r < rows; r++ {
			x.Set(r, i, x.At(r, i)+w*table.At(r, id))
		}
	}
}

// logits scores the vocabulary for every dialogue with head k.
func (m *Model) logits(k int, f *mat.Dense) *mat.Dense {
	hd := m.heads[k]
	_, n := f.Dims()
	z := mat.NewDense(m.vocabSize, n, nil)
	z.Mul(hd.w.Value, f)
	for j := 0; j < m.vocabSize; j++ {
		b := hd.b.Value.At(j, 0)
		for i := 0; i < n; i++ {
			z.Set(j, i, z.At(j, i)+b)
		}
	}
	return z
}

// softmaxCol returns column i of z divided by temp, its log-sum-exp and
// the resulting probabilities.
func softmaxCol(z *mat.Dense, i int, temp float64) (scaled []float64, lse float64, p []float64) {
	scaled = mat.Col(nil, i, z)
	if temp != 1 {
		floats.Scale(1/temp, scaled)
	}
	lse = floats.LogSumExp(scaled)
	p = make([]float64, len(scaled))
	for j, v := range scaled {
		p[j] = math.Exp(v - lse)
	}
	return scaled, lse, p
}
// #endregion forward

// #region supervised

// Supervised returns the mean cross-entropy of every head against the
// non-PAD target tokens of its stream.
func (m *Model) Supervised(in *batch.EncodedTensors, st *model.TurnState, g *model.Graph) (model.SupervisedResult, error) {
	s, err := m.forward(in, st)
	if err != nil {
		return model.SupervisedResult{}, fmt.Errorf("supervised: %w", err)
	}
	targets := [numStreams]batch.Stream{in.Belief, in.Constraint, in.ActUser, in.ActSystem, in.Response}
	n := in.BatchSize

	var losses [numStreams]float64
	for k := range targets {
		ys := make([][]int, n)
		total := 0
		for i := 0; i < n; i++ {
			ys[i] = m.bag(targets[k].Seq(i))
			total += len(ys[i])
		}
		if total == 0 {
			continue
		}
		z := m.logits(k, s.f)
		dl := mat.NewDense(m.vocabSize, n, nil)
		inv := 1 / float64(total)
		for i := 0; i < n; i++ {
			if len(ys[i]) == 0 {
				continue
			}
			scaled, lse, p := softmaxCol(z, i, 1)
			for _, y := range ys[i] {
				losses[k] -= inv * (scaled[y] - lse)
				dl.Set(y, i, dl.At(y, i)-inv)
			}
			c := inv * float64(len(ys[i]))
			for j, pj := range p {
				dl.Set(j, i, dl.At(j, i)+c*pj)
			}
		}
		s.dLogits[k] = dl
	}

	res := model.SupervisedResult{
		Belief:     losses[streamBelief],
		Constraint: losses[streamConstraint],
		ActUser:    losses[streamActUser],
		ActSystem:  losses[streamActSystem],
		Response:   losses[streamResponse],
	}
	res.Loss = floats.Sum(losses[:])
	if g != nil {
		g.Record(s, true)
	}
	return res, nil
}
// #endregion supervised

// #region decode

// Decode emits, per stream, the highest-scoring tokens without repeats up to
// and including the stream terminator. Span streams are capped at z_length,
// the response at max_ts; a capped sequence still ends with its terminator.
func (m *Model) Decode(in *batch.EncodedTensors, st *model.TurnState, opts model.DecodeOptions) (model.DecodeResult, error) {
	s, err := m.forward(in, st)
	if err != nil {
		return model.DecodeResult{}, fmt.Errorf("decode: %w", err)
	}
	n := in.BatchSize
	var out [numStreams][][]int
	for k := range out {
		limit := m.zLength
		if k == streamResponse {
			limit = m.maxLen
		}
		z := m.logits(k, s.f)
		out[k] = make([][]int, n)
		for i := 0; i < n; i++ {
			out[k][i] = m.greedy(mat.Col(nil, i, z), m.terms[k], limit)
		}
	}
	if opts.Pretrain {
		for i := 0; i < n; i++ {
			out[streamBelief][i] = in.Belief.Seq(i)
		}
	}
	return model.DecodeResult{
		Response:   out[streamResponse],
		Belief:     out[streamBelief],
		Constraint: out[streamConstraint],
		ActUser:    out[streamActUser],
		ActSystem:  out[streamActSystem],
	}, nil
}

func (m *Model) greedy(scores []float64, term, limit int) []int {
	order := make([]int, 0, len(scores))
	for id := range scores {
		if id >= m.reserved || id == term {
			order = append(order, id)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	limit = max(limit, 1)
	out := make([]int, 0, limit)
	for _, id := range order {
		if len(out) == limit-1 {
			break
		}
		out = append(out, id)
		if id == term {
			return out
		}
	}
	return append(out, term)
}
// #endregion decode

// #region reinforce

// Reinforce samples a response per dialogue and scores it by token F1
// against the target, with the greedy response's F1 as baseline. Dialogues
// whose advantage is zero contribute nothing; when none remain the turn has
// no signal.
func (m *Model) Reinforce(in *batch.EncodedTensors, st *model.TurnState, g *model.Graph) (model.ReinforceResult, error) {
	s, err := m.forward(in, st)
	if err != nil {
		return model.ReinforceResult{}, fmt.Errorf("reinforce: %w", err)
	}
	n := in.BatchSize
	z := m.logits(streamResponse, s.f)
	dl := mat.NewDense(m.vocabSize, n, nil)

	var loss float64
	signal := false
	for i := 0; i < n; i++ {
		target := m.content(in.Response.Seq(i))
		baseline := tokenF1(m.content(m.greedy(mat.Col(nil, i, z), m.eosM, m.maxLen)), target)

		scaled, lse, p := softmaxCol(z, i, m.temperature)
		sampled := m.sample(p)
		adv := tokenF1(m.content(sampled), target) - baseline
		if math.Abs(adv) < minAdvantage {
			continue
		}
		signal = true

		c := adv / (float64(len(sampled)) * float64(n))
		for _, y := range sampled {
			loss -= c * (scaled[y] - lse)
			dl.Set(y, i, dl.At(y, i)-c/m.temperature)
		}
		c *= float64(len(sampled)) / m.temperature
		for j, pj := range p {
			dl.Set(j, i, dl.At(j, i)+c*pj)
		}
	}

	if !signal {
		if g != nil {
			g.Record(s, false)
		}
		return model.ReinforceResult{}, nil
	}
	s.dLogits[streamResponse] = dl
	if g != nil {
		g.Record(s, true)
	}
	return model.ReinforceResult{HasSignal: true, Loss: loss}, nil
}

// sample draws tokens from p until EOS_M or max_ts tokens.
func (m *Model) sample(p []float64) []int {
	cat := distuv.NewCategorical(p, m.src)
	out := make([]int, 0, m.maxLen)
	for len(out) < m.maxLen {
		id := int(cat.Rand())
		out = append(out, id)
		if id == m.eosM {
			break
		}
	}
	return out
}

// content keeps the non-special tokens of seq.
func (m *Model) content(seq []int) []int {
	out := make([]int, 0, len(seq))
	for _, id := range seq {
		if id >= m.reserved && id < m.vocabSize {
			out = append(out, id)
		}
	}
	return out
}

// tokenF1 is the multiset F1 of pred against gold; zero when either is empty.
func tokenF1(pred, gold []int) float64 {
	if len(pred) == 0 || len(gold) == 0 {
		return 0
	}
	counts := make(map[int]int, len(gold))
	for _, id := range gold {
		counts[id]++
	}
	overlap := 0
	for _, id := range pred {
		if counts[id] > 0 {
			counts[id]--
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	precision := float64(overlap) / float64(len(pred))
	recall := float64(overlap) / float64(len(gold))
	return 2 * precision * recall / (precision + recall)
}
// #endregion reinforce

// #region backward

// Backward differentiates the newest loss in g. The hidden-state gradient is
// carried back through every earlier step still held by g.
func (m *Model) Backward(g *model.Graph, retain bool) error {
	if g == nil {
		return errors.New("backward: nil graph")
	}
	if g.Released() {
		return fmt.Errorf("backward: %w", model.ErrReleased)
	}
	if !g.Pending() || g.Len() == 0 {
		return fmt.Errorf("backward: %w", model.ErrNoLoss)
	}
	steps := g.Steps()
	last, ok := steps[len(steps)-1].(*step)
	if !ok {
		return fmt.Errorf("backward: unexpected step type %T", steps[len(steps)-1])
	}
	_, n := last.f.Dims()

	dh := mat.NewDense(m.hidden, n, nil)
	for k, dl := range last.dLogits {
		if dl == nil {
			continue
		}
		hd := m.heads[k]
		var dw mat.Dense
		dw.Mul(dl, last.f.T())
		hd.w.Grad.Add(hd.w.Grad, &dw)
		for j := 0; j < m.vocabSize; j++ {
			hd.b.Grad.Set(j, 0, hd.b.Grad.At(j, 0)+floats.Sum(mat.Row(nil, j, dl)))
		}
		var df mat.Dense
		df.Mul(hd.w.Value.T(), dl)
		dh.Add(dh, df.Slice(0, m.hidden, 0, n))
	}

	for t := len(steps) - 1; t >= 0; t-- {
		st, ok := steps[t].(*step)
		if !ok {
			return fmt.Errorf("backward: unexpected step type %T", steps[t])
		}
		if _, c := st.f.Dims(); c != n {
			return fmt.Errorf("backward: %w: step %d has %d dialogues, want %d", batch.ErrShapeMismatch, t, c, n)
		}
		for i := 0; i < n; i++ {
			scatter(m.user.Grad, dh, i, st.user[i], 1-m.carry)
			scatter(m.prev.Grad, dh, i, st.prev[i], 1-m.carry)
		}
		if m.carry == 0 {
			break
		}
		dh.Scale(m.carry, dh)
	}

	g.MarkDone()
	if !retain {
		g.Release()
	}
	return nil
}

// scatter adds scale*dh[:, i]/len(ids) to the columns ids of grad.
func scatter(grad, dh *mat.Dense, i int, ids []int, scale float64) {
	if len(ids) == 0 {
		return
	}
	w := scale / float64(len(ids))
	rows, _ := dh.Dims()
	for _, id := range ids {
		for r := 0; r < rows; r++ {
			grad.Set(r, id, grad.At(r, id)+w*dh.At(r, i))
		}
	}
}
// #endregion backward
