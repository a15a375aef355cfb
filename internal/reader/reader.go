package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/batch"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/config"
	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/vocab"
)

// #region reader
// Reader holds an encoded corpus and yields turn-aligned mini-batches.
type Reader struct {
	batchSize int
	shuffle   bool
	vocab     *vocab.Vocab
	splits    map[string][]encodedDialogue
	rng       *rand.Rand
}

// Open loads cfg.DataPath. The vocabulary is read from cfg.VocabPath when
// that file exists; otherwise it is built from the train split and written there.
func Open(cfg config.Config) (*Reader, error) {
	data, err := os.ReadFile(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", cfg.DataPath, err)
	}
	var c Corpus
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", cfg.DataPath, err)
	}

	var v *vocab.Vocab
	if cfg.VocabPath != "" {
		v, err = vocab.Load(cfg.VocabPath)
		switch {
		case err == nil:
			log.Printf("[READER] loaded vocab %s (%d tokens)", cfg.VocabPath, v.Size())
		case errors.Is(err, os.ErrNotExist):
			v = BuildVocab(&c, cfg.VocabSize)
			if err := os.MkdirAll(filepath.Dir(cfg.VocabPath), 0o755); err != nil {
				return nil, fmt.Errorf("create vocab dir: %w", err)
			}
			if err := v.Save(cfg.VocabPath); err != nil {
				return nil, err
			}
			log.Printf("[READER] built vocab %s (%d tokens)", cfg.VocabPath, v.Size())
		default:
			return nil, err
		}
	}
	return New(cfg, &c, v)
}

// New encodes c with v, building the vocabulary from c when v is nil.
func New(cfg config.Config, c *Corpus, v *vocab.Vocab) (*Reader, error) {
	if v == nil {
		v = BuildVocab(c, cfg.VocabSize)
	}
	r := &Reader{
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		vocab:     v,
		splits:    make(map[string][]encodedDialogue, 3),
		rng:       rand.New(rand.NewPCG(uint64(cfg.Seed), 0x2545f4914f6cdd1d)),
	}
	for name, dials := range map[string][]Dialogue{SplitTrain: c.Train, SplitDev: c.Dev, SplitTest: c.Test} {
		enc, err := r.encodeSplit(dials, cfg.DegreeSize)
		if err != nil {
			return nil, fmt.Errorf("encode %s split: %w", name, err)
		}
		r.splits[name] = enc
	}
	return r, nil
}

// Vocab returns the reader's vocabulary.
func (r *Reader) Vocab() *vocab.Vocab { return r.vocab }

// BuildVocab counts the tokens of the train split, reserved tokens excluded.
func BuildVocab(c *Corpus, size int) *vocab.Vocab {
	counts := make(map[string]int)
	for _, d := range c.Train {
		for _, t := range d.Turns {
			for _, field := range []string{t.User, t.BSpan, t.Constraint, t.UserTag, t.System, t.Response} {
				for _, tok := range strings.Fields(field) {
					counts[tok]++
				}
			}
		}
	}
	return vocab.Build(counts, size)
}
// #endregion reader

// #region encode
func (r *Reader) encodeSplit(dials []Dialogue, degreeSize int) ([]encodedDialogue, error) {
	out := make([]encodedDialogue, 0, len(dials))
	for _, d := range dials {
		if len(d.Turns) == 0 {
			continue
		}
		ed := encodedDialogue{id: d.DialID, turns: make([]encodedTurn, len(d.Turns))}
		for i, t := range d.Turns {
			if len(t.Degree) != degreeSize {
				return nil, fmt.Errorf("dialogue %s turn %d: degree has %d entries, want %d", d.DialID, i, len(t.Degree), degreeSize)
			}
			ed.turns[i] = encodedTurn{
				user:       r.encode(t.User, ""),
				bspan:      r.encode(t.BSpan, vocab.EOSZ2),
				constraint: r.encode(t.Constraint, vocab.EOSZ1),
				userTag:    r.encode(t.UserTag, vocab.EOSZ2),
				system:     r.encode(t.System, vocab.Split),
				response:   r.encode(t.Response, vocab.EOSM),
				degree:     append([]float64(nil), t.Degree...),
			}
		}
		out = append(out, ed)
	}
	return out, nil
}

// encode tokenizes text and appends term unless it is already last.
func (r *Reader) encode(text, term string) []int {
	toks := strings.Fields(text)
	if term != "" && (len(toks) == 0 || toks[len(toks)-1] != term) {
		toks = append(toks, term)
	}
	return r.vocab.EncodeAll(toks)
}
// #endregion encode

// #region batches

// MiniBatches groups the split's dialogues by turn count and cuts each group
// into batches of at most batch_size dialogues. Every element is one
// dialogue batch: its turns in order, each a DialogueBatch with the same
// dialogues. Training batches are reshuffled on every call when shuffling is on.
func (r *Reader) MiniBatches(split string) ([][]batch.DialogueBatch, error) {
	dials, ok := r.splits[split]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSplit, split)
	}
	shuffle := r.shuffle && split == SplitTrain

	buckets := make(map[int][]encodedDialogue)
	for _, d := range dials {
		buckets[len(d.turns)] = append(buckets[len(d.turns)], d)
	}
	lengths := make([]int, 0, len(buckets))
	for n := range buckets {
		lengths = append(lengths, n)
	}
	sort.Ints(lengths)

	var out [][]batch.DialogueBatch
	for _, n := range lengths {
		group := append([]encodedDialogue(nil), buckets[n]...)
		if shuffle {
			r.rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		for start := 0; start < len(group); start += r.batchSize {
			end := min(start+r.batchSize, len(group))
			out = append(out, turnBatches(group[start:end]))
		}
	}
	if shuffle {
		r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

// turnBatches transposes dialogues of equal length into per-turn batches.
func turnBatches(dials []encodedDialogue) []batch.DialogueBatch {
	turns := len(dials[0].turns)
	n := len(dials)
	out := make([]batch.DialogueBatch, turns)
	for t := 0; t < turns; t++ {
		b := batch.DialogueBatch{
			TurnNum:     t,
			DialogueIDs: make([]string, n),
			User:        make([][]int, n),
			UserLen:     make([]int, n),
			Belief:      make([][]int, n),
			Constraint:  make([][]int, n),
			ActUser:     make([][]int, n),
			ActSystem:   make([][]int, n),
			Response:    make([][]int, n),
			ResponseLen: make([]int, n),
			Degree:      make([][]float64, n),
		}
		for i, d := range dials {
			et := d.turns[t]
			b.DialogueIDs[i] = d.id
			b.User[i] = et.user
			b.UserLen[i] = len(et.user)
			b.Belief[i] = et.bspan
			b.Constraint[i] = et.constraint
			b.ActUser[i] = et.userTag
			b.ActSystem[i] = et.system
			b.Response[i] = et.response
			b.ResponseLen[i] = len(et.response)
			b.Degree[i] = et.degree
		}
		out[t] = b
	}
	return out
}
// #endregion batches
