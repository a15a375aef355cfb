package reader

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/model"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

func turn(user, bspan, response string) Turn {
	return Turn{
		User:       user,
		BSpan:      bspan,
		Constraint: "cheap EOS_Z1",
		UserTag:    "inform EOS_Z2",
		System:     "request <split>",
		Response:   response,
		Degree:     []float64{1, 0, 0, 0, 0},
	}
}

func testCorpus() *Corpus {
	two := func(id string) Dialogue {
		return Dialogue{DialID: id, Turns: []Turn{
			turn("i want cheap food", "cheap EOS_Z1 EOS_Z2", "what area ?"),
			turn("north please", "cheap north EOS_Z1 EOS_Z2", "the place is nice EOS_M"),
		}}
	}
	return &Corpus{
		Train: []Dialogue{
			two("t1"), two("t2"), two("t3"),
			{DialID: "t4", Turns: []Turn{
				turn("hello", "EOS_Z1 EOS_Z2", "hi"),
				turn("cheap", "cheap EOS_Z1 EOS_Z2", "ok"),
				turn("bye", "cheap EOS_Z1 EOS_Z2", "bye"),
			}},
			{DialID: "empty"},
		},
		Dev:  []Dialogue{two("d1")},
		Test: []Dialogue{two("s1"), two("s2")},
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Default("camrest")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	cfg.BatchSize = 2
	cfg.Seed = 11
	return cfg
}

func TestMiniBatchesBucketing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shuffle = false
	r, err := New(cfg, testCorpus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches, err := r.MiniBatches(SplitTrain)
	if err != nil {
		t.Fatalf("MiniBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 dialogue batches, got %d", len(batches))
	}
	wantTurns := []int{2, 2, 3}
	wantSize := []int{2, 1, 1}
	for i, db := range batches {
		if len(db) != wantTurns[i] {
			t.Errorf("batch %d: expected %d turns, got %d", i, wantTurns[i], len(db))
		}
		for ti, tb := range db {
			if tb.Size() != wantSize[i] || tb.TurnNum != ti {
				t.Errorf("batch %d turn %d: size %d turn_num %d", i, ti, tb.Size(), tb.TurnNum)
			}
			if tb.DialogueIDs[0] != db[0].DialogueIDs[0] {
				t.Errorf("batch %d: dialogues not aligned across turns", i)
			}
		}
	}
}

func TestEncodingTerminators(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, testCorpus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches, err := r.MiniBatches(SplitDev)
	if err != nil {
		t.Fatalf("MiniBatches: %v", err)
	}
	v := r.Vocab()
	first := batches[0][0]
	resp := first.Response[0]
	if resp[len(resp)-1] != v.Encode(vocab.EOSM) {
		t.Errorf("response should end with EOS_M, got %v", v.DecodeAll(resp))
	}
	second := batches[0][1].Response[0]
	count := 0
	for _, id := range second {
		if id == v.Encode(vocab.EOSM) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("EOS_M must not be appended twice, got %v", v.DecodeAll(second))
	}
	if first.UserLen[0] != 4 || first.ResponseLen[0] != 4 {
		t.Errorf("unexpected lengths u=%d m=%d", first.UserLen[0], first.ResponseLen[0])
	}
	if len(first.Degree[0]) != cfg.DegreeSize {
		t.Errorf("unexpected degree width %d", len(first.Degree[0]))
	}
}

func TestShuffleDeterministic(t *testing.T) {
	cfg := testConfig(t)
	order := func() []string {
		r, err := New(cfg, testCorpus(), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		var ids []string
		for call := 0; call < 3; call++ {
			batches, err := r.MiniBatches(SplitTrain)
			if err != nil {
				t.Fatalf("MiniBatches: %v", err)
			}
			for _, db := range batches {
				ids = append(ids, db[0].DialogueIDs...)
			}
		}
		return ids
	}
	a, b := order(), order()
	if len(a) != len(b) {
		t.Fatalf("length differs: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave different orders: %v vs %v", a, b)
		}
	}
}

func TestUnknownSplitAndBadDegree(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, testCorpus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.MiniBatches("valid"); !errors.Is(err, ErrUnknownSplit) {
		t.Fatalf("expected ErrUnknownSplit, got %v", err)
	}

	c := testCorpus()
	c.Test[0].Turns[1].Degree = []float64{1}
	if _, err := New(cfg, c, nil); err == nil {
		t.Fatal("expected error for wrong degree width")
	}
}

func TestOpenBuildsThenLoadsVocab(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.DataPath = filepath.Join(dir, "camrest.json")
	cfg.VocabPath = filepath.Join(dir, "vocab", "vocab-camrest.json")

	data, err := json.Marshal(testCorpus())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(cfg.DataPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r1, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(cfg.VocabPath); err != nil {
		t.Fatalf("vocab should be written: %v", err)
	}
	r2, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open (cached vocab): %v", err)
	}
	if r1.Vocab().Size() != r2.Vocab().Size() || r2.Vocab().Encode("cheap") != r1.Vocab().Encode("cheap") {
		t.Fatal("reloaded vocab differs from the built one")
	}
}

func TestCSVWriter(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, testCorpus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v := r.Vocab()
	batches, err := r.MiniBatches(SplitDev)
	if err != nil {
		t.Fatalf("MiniBatches: %v", err)
	}
	tb := batches[0][0]
	dec := model.DecodeResult{
		Response:   [][]int{{v.Encode("what"), v.Encode(vocab.EOSM)}},
		Belief:     [][]int{tb.Belief[0]},
		Constraint: [][]int{tb.Constraint[0]},
		ActUser:    [][]int{tb.ActUser[0]},
		ActSystem:  [][]int{tb.ActSystem[0]},
	}
	prev := [][]int{{v.Encode(vocab.EOSZ1), v.Encode(vocab.EOSZ2)}}

	path := filepath.Join(t.TempDir(), "results", "camrest.csv")
	w := NewCSVWriter(path, v)
	if err := w.WrapResult(tb, dec, prev); err != nil {
		t.Fatalf("WrapResult: %v", err)
	}
	if err := w.WrapResult(tb, model.DecodeResult{}, prev); !errors.Is(err, batch.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}
	row := records[1]
	if row[0] != "d1" || row[1] != "0" {
		t.Errorf("unexpected id/turn %v", row[:2])
	}
	if row[3] != "cheap EOS_Z1 EOS_Z2" || row[3] != row[4] {
		t.Errorf("unexpected bspan columns %q %q", row[3], row[4])
	}
	if row[11] != "what EOS_M" {
		t.Errorf("unexpected generated response %q", row[11])
	}
	if row[13] != "EOS_Z1 EOS_Z2" {
		t.Errorf("unexpected prev bspan %q", row[13])
	}

	w.Reset()
	if w.Rows() != 0 {
		t.Fatal("Reset should drop rows")
	}
}
