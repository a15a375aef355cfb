package metric

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBadResults reports a result file the evaluator cannot score.
var ErrBadResults = errors.New("bad result file")

// #region evaluator
// Evaluator scores the results written during evaluation.
type Evaluator interface {
	RunMetrics(ctx context.Context) (Summary, error)
}
// #endregion evaluator

// #region metric
// Metric is a single named score.
type Metric struct {
	Name  string
	Value float64
}
// #endregion metric

// #region summary
// Summary is the evaluator output.
type Summary struct {
	Source  string // "local" | "remote"
	Turns   int
	Metrics []Metric
}

// Get returns the named metric.
func (s Summary) Get(name string) (float64, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

func (s Summary) String() string {
	parts := make([]string, 0, len(s.Metrics)+1)
	parts = append(parts, fmt.Sprintf("turns=%d", s.Turns))
	for _, m := range s.Metrics {
		parts = append(parts, fmt.Sprintf("%s=%.4f", m.Name, m.Value))
	}
	return strings.Join(parts, " ")
}
// #endregion summary
