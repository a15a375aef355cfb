package reader

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

// ResultHeader is the column layout of the result CSV.
var ResultHeader = []string{
	"dial_id", "turn_num", "user",
	"generated_bspan", "bspan",
	"generated_constraint", "constraint",
	"generated_user_act", "user_act",
	"generated_system_act", "system_act",
	"generated_response", "response",
	"prev_bspan",
}

// #region csv-writer
// CSVWriter collects decoded turns and writes them to a CSV file on Flush.
type CSVWriter struct {
	path  string
	vocab *vocab.Vocab
	rows  [][]string
}

// NewCSVWriter returns a writer for path.
func NewCSVWriter(path string, v *vocab.Vocab) *CSVWriter {
	return &CSVWriter{path: path, vocab: v}
}

// Path returns the result file path.
func (w *CSVWriter) Path() string { return w.path }

// Reset drops every collected row.
func (w *CSVWriter) Reset() { w.rows = nil }

// Rows returns the number of collected rows.
func (w *CSVWriter) Rows() int { return len(w.rows) }

// WrapResult adds one row per dialogue of turn b.
func (w *CSVWriter) WrapResult(b batch.DialogueBatch, dec model.DecodeResult, prevBelief [][]int) error {
	n := b.Size()
	for name, got := range map[string]int{
		"response":   len(dec.Response),
		"belief":     len(dec.Belief),
		"constraint": len(dec.Constraint),
		"act_user":   len(dec.ActUser),
		"act_system": len(dec.ActSystem),
		"prev":       len(prevBelief),
	} {
		if got != n {
			return fmt.Errorf("wrap result: %w: decoded %s has %d rows, batch has %d", batch.ErrShapeMismatch, name, got, n)
		}
	}
	for i := 0; i < n; i++ {
		w.rows = append(w.rows, []string{
			b.DialogueIDs[i],
			strconv.Itoa(b.TurnNum),
			w.text(b.User[i]),
			w.text(dec.Belief[i]), w.text(b.Belief[i]),
			w.text(dec.Constraint[i]), w.text(b.Constraint[i]),
			w.text(dec.ActUser[i]), w.text(b.ActUser[i]),
			w.text(dec.ActSystem[i]), w.text(b.ActSystem[i]),
			w.text(dec.Response[i]), w.text(b.Response[i]),
			w.text(prevBelief[i]),
		})
	}
	return nil
}

func (w *CSVWriter) text(ids []int) string {
	return strings.Join(w.vocab.DecodeAll(ids), " ")
}

// Flush writes the header and every row, replacing any previous file.
func (w *CSVWriter) Flush() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create result file %s: %w", w.path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(ResultHeader); err != nil {
		return fmt.Errorf("write result header: %w", err)
	}
	if err := cw.WriteAll(w.rows); err != nil {
		return fmt.Errorf("write result rows: %w", err)
	}
	return f.Close()
}
// #endregion csv-writer
