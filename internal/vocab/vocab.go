package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// #region reserved
// Reserved tokens occupy the first ids of every vocabulary.
const (
	Pad   = "<pad>"
	Go    = "<go>"
	Unk   = "<unk>"
	Go2   = "<go2>"
	EOSZ1 = "EOS_Z1"
	EOSZ2 = "EOS_Z2"
	EOSM  = "EOS_M"
	Split = "<split>"
	PadID = 0
	UnkID = 2
)

var reserved = []string{Pad, Go, Unk, Go2, EOSZ1, EOSZ2, EOSM, Split}

// #endregion reserved

// #region vocab
// Vocab is a fixed token <-> id mapping.
type Vocab struct {
	TokenToID map[string]int `json:"TokenToID"`
	IDToToken []string       `json:"IDToToken"`
}

// New returns a vocabulary holding only the reserved tokens.
func New() *Vocab {
	v := &Vocab{TokenToID: make(map[string]int, len(reserved))}
	for _, t := range reserved {
		v.add(t)
	}
	return v
}

// Build creates a vocabulary from token counts. The most frequent tokens are
// kept until size entries exist; ties break alphabetically.
func Build(counts map[string]int, size int) *Vocab {
	v := New()
	type kv struct {
		k string
		n int
	}
	arr := make([]kv, 0, len(counts))
	for k, n := range counts {
		arr = append(arr, kv{k, n})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].n == arr[j].n {
			return arr[i].k < arr[j].k
		}
		return arr[i].n > arr[j].n
	})
	for _, p := range arr {
		if len(v.IDToToken) >= size {
			break
		}
		if _, ok := v.TokenToID[p.k]; ok || p.k == "" {
			continue
		}
		v.add(p.k)
	}
	return v
}

func (v *Vocab) add(tok string) {
	v.TokenToID[tok] = len(v.IDToToken)
	v.IDToToken = append(v.IDToToken, tok)
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.IDToToken) }

// Encode maps a token to its id; unknown tokens map to UnkID.
func (v *Vocab) Encode(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return UnkID
}

// EncodeAll maps every token of a sequence.
func (v *Vocab) EncodeAll(toks []string) []int {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = v.Encode(t)
	}
	return ids
}

// Decode maps an id back to its token; out-of-range ids decode as Unk.
func (v *Vocab) Decode(id int) string {
	if id < 0 || id >= len(v.IDToToken) {
		return Unk
	}
	return v.IDToToken[id]
}

// DecodeAll maps a sequence of ids, skipping padding.
func (v *Vocab) DecodeAll(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadID {
			continue
		}
		out = append(out, v.Decode(id))
	}
	return out
}

// #endregion vocab

// #region io

// Save writes the vocabulary as indented JSON.
func (v *Vocab) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vocab %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode vocab: %w", err)
	}
	return nil
}

// Load reads a vocabulary written by Save. The reserved tokens must sit at
// their fixed ids.
func Load(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	var v Vocab
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", path, err)
	}
	for id, tok := range reserved {
		if id >= len(v.IDToToken) || v.IDToToken[id] != tok {
			return nil, fmt.Errorf("vocab %s: reserved token %s not at id %d", path, tok, id)
		}
	}
	if v.TokenToID == nil {
		v.TokenToID = make(map[string]int, len(v.IDToToken))
		for i, t := range v.IDToToken {
			v.TokenToID[t] = i
		}
	}
	return &v, nil
}

// #endregion io
