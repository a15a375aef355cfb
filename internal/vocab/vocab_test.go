package vocab

import (
	"path/filepath"
	"testing"
)

func TestReservedIDs(t *testing.T) {
	v := New()
	if v.Encode(Pad) != PadID {
		t.Fatalf("expected pad at %d, got %d", PadID, v.Encode(Pad))
	}
	if v.Encode(Unk) != UnkID {
		t.Fatalf("expected unk at %d, got %d", UnkID, v.Encode(Unk))
	}
	if v.Encode("never-seen") != UnkID {
		t.Fatal("unknown token should encode as unk")
	}
	seen := map[int]bool{}
	for _, tok := range []string{EOSZ1, EOSZ2, EOSM, Split} {
		id := v.Encode(tok)
		if id == UnkID || seen[id] {
			t.Fatalf("terminator %s has bad id %d", tok, id)
		}
		seen[id] = true
	}
}

func TestBuildFrequencyOrder(t *testing.T) {
	v := Build(map[string]int{"cheap": 5, "north": 9, "bar": 5, "rare": 1}, 11)
	if v.Size() != 11 {
		t.Fatalf("expected size 11, got %d", v.Size())
	}
	if v.Decode(8) != "north" {
		t.Errorf("expected most frequent token first, got %s", v.Decode(8))
	}
	if v.Decode(9) != "bar" || v.Decode(10) != "cheap" {
		t.Errorf("expected alphabetical tie-break, got %s %s", v.Decode(9), v.Decode(10))
	}
	if v.Encode("rare") != UnkID {
		t.Error("token beyond size should be unk")
	}
}

func TestDecodeAllSkipsPad(t *testing.T) {
	v := Build(map[string]int{"hi": 1}, 20)
	got := v.DecodeAll([]int{v.Encode("hi"), PadID, 999})
	if len(got) != 2 || got[0] != "hi" || got[1] != Unk {
		t.Fatalf("unexpected decode: %v", got)
	}
}

func TestSaveLoad(t *testing.T) {
	v := Build(map[string]int{"food": 2, "area": 1}, 30)
	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := v.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Size() != v.Size() || got.Encode("food") != v.Encode("food") {
		t.Fatalf("round trip mismatch: %v vs %v", got.IDToToken, v.IDToToken)
	}
}
