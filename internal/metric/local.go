package metric

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Metric names produced by LocalEvaluator.
const (
	BSpanAccuracy      = "bspan_acc"
	ConstraintAccuracy = "constraint_acc"
	UserActAccuracy    = "user_act_acc"
	SystemActAccuracy  = "system_act_acc"
	ResponseF1         = "response_f1"
)

// special tokens are ignored when comparing text.
var special = map[string]bool{
	"<pad>": true, "<go>": true, "<unk>": true, "<go2>": true,
	"EOS_Z1": true, "EOS_Z2": true, "EOS_M": true, "<split>": true,
}

// #region local
// LocalEvaluator scores the CSV written by reader.CSVWriter.
type LocalEvaluator struct {
	path string
}

// NewLocalEvaluator returns an evaluator for the CSV at path.
func NewLocalEvaluator(path string) *LocalEvaluator {
	return &LocalEvaluator{path: path}
}

// RunMetrics computes span accuracies (order-insensitive token match, with
// EOS_Z1 kept so constraints and requests stay apart) and the mean token F1
// of generated against reference responses.
func (e *LocalEvaluator) RunMetrics(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	f, err := os.Open(e.path)
	if err != nil {
		return Summary{}, fmt.Errorf("open results %s: %w", e.path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %s: %v", ErrBadResults, e.path, err)
	}
	if len(records) == 0 {
		return Summary{}, fmt.Errorf("%w: %s: missing header", ErrBadResults, e.path)
	}
	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[name] = i
	}
	pairs := []struct {
		metric, gen, ref string
	}{
		{BSpanAccuracy, "generated_bspan", "bspan"},
		{ConstraintAccuracy, "generated_constraint", "constraint"},
		{UserActAccuracy, "generated_user_act", "user_act"},
		{SystemActAccuracy, "generated_system_act", "system_act"},
	}
	for _, name := range []string{"generated_response", "response"} {
		if _, ok := col[name]; !ok {
			return Summary{}, fmt.Errorf("%w: %s: missing column %s", ErrBadResults, e.path, name)
		}
	}
	for _, p := range pairs {
		for _, name := range []string{p.gen, p.ref} {
			if _, ok := col[name]; !ok {
				return Summary{}, fmt.Errorf("%w: %s: missing column %s", ErrBadResults, e.path, name)
			}
		}
	}

	rows := records[1:]
	hits := make([]int, len(pairs))
	f1 := 0.0
	for _, row := range rows {
		if len(row) != len(records[0]) {
			return Summary{}, fmt.Errorf("%w: %s: row has %d fields, header has %d", ErrBadResults, e.path, len(row), len(records[0]))
		}
		for i, p := range pairs {
			if spanMatch(row[col[p.gen]], row[col[p.ref]]) {
				hits[i]++
			}
		}
		f1 += tokenF1(content(row[col["generated_response"]]), content(row[col["response"]]))
	}

	s := Summary{Source: "local", Turns: len(rows)}
	for i, p := range pairs {
		s.Metrics = append(s.Metrics, Metric{Name: p.metric, Value: ratio(float64(hits[i]), len(rows))})
	}
	s.Metrics = append(s.Metrics, Metric{Name: ResponseF1, Value: ratio(f1, len(rows))})
	return s, nil
}
// #endregion local

// #region scoring

func ratio(v float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return v / float64(n)
}

// spanMatch compares two spans as token multisets per EOS_Z1-separated part.
func spanMatch(gen, ref string) bool {
	g := strings.SplitN(gen, "EOS_Z1", 2)
	r := strings.SplitN(ref, "EOS_Z1", 2)
	if len(g) != len(r) {
		return false
	}
	for i := range g {
		if !sameTokens(content(g[i]), content(r[i])) {
			return false
		}
	}
	return true
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, t := range a {
		counts[t]++
	}
	for _, t := range b {
		counts[t]--
		if counts[t] < 0 {
			return false
		}
	}
	return true
}

// content splits text on whitespace and drops special tokens.
func content(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, t := range fields {
		if !special[t] {
			out = append(out, t)
		}
	}
	return out
}

// tokenF1 is the multiset F1 of pred against gold. Two empty sequences match.
func tokenF1(pred, gold []string) float64 {
	if len(pred) == 0 && len(gold) == 0 {
		return 1
	}
	if len(pred) == 0 || len(gold) == 0 {
		return 0
	}
	counts := make(map[string]int, len(gold))
	for _, t := range gold {
		counts[t]++
	}
	overlap := 0
	for _, t := range pred {
		if counts[t] > 0 {
			counts[t]--
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	p := float64(overlap) / float64(len(pred))
	r := float64(overlap) / float64(len(gold))
	return 2 * p * r / (p + r)
}
// #endregion scoring
