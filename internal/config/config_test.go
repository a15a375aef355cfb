package config

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDefaultCamrest(t *testing.T) {
	cfg, err := Default("camrest")
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.VocabSize != 800 || cfg.MaxTS != 40 {
		t.Fatalf("unexpected camrest sizes: vocab=%d max_ts=%d", cfg.VocabSize, cfg.MaxTS)
	}
	if cfg.GradClipTrain != 5.0 || cfg.GradClipRL != 2.0 {
		t.Fatalf("unexpected clip thresholds: %g %g", cfg.GradClipTrain, cfg.GradClipRL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDefaultUnknownDataset(t *testing.T) {
	if _, err := Default("woz"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg, _ := Default("kvret")
	out, err := cfg.Apply([]string{"lr=0.01", "early_stop_count=5", "eval_with_ground_truth=False", "shuffle=yes", "seed=7", "result_path=/tmp/r.csv"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.LR != 0.01 {
		t.Errorf("expected lr 0.01, got %g", out.LR)
	}
	if out.EarlyStopCount != 5 {
		t.Errorf("expected early_stop_count 5, got %d", out.EarlyStopCount)
	}
	if out.EvalWithGroundTruth {
		t.Error("expected eval_with_ground_truth=false")
	}
	if !out.Shuffle {
		t.Error("expected any non-False bool value to be true")
	}
	if out.Seed != 7 {
		t.Errorf("expected seed 7, got %d", out.Seed)
	}
	if out.ResultPath != "/tmp/r.csv" {
		t.Errorf("expected result path override, got %s", out.ResultPath)
	}

	// Original is untouched
	if cfg.LR != 0.003 {
		t.Fatalf("Apply mutated receiver: lr=%g", cfg.LR)
	}
}

func TestApplyUnknownKey(t *testing.T) {
	cfg, _ := Default("camrest")
	_, err := cfg.Apply([]string{"nope=1"})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestApplyBadValue(t *testing.T) {
	cfg, _ := Default("camrest")
	if _, err := cfg.Apply([]string{"max_ts=forty"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cfg.Apply([]string{"max_ts"}); err == nil {
		t.Fatal("expected missing '=' error")
	}
	if _, err := cfg.Apply([]string{"lr_decay=2"}); err == nil {
		t.Fatal("expected validation error for lr_decay > 1")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MOSS_BATCH_SIZE", "4")
	t.Setenv("MOSS_DEBUG", "True")
	cfg, _ := Default("camrest")
	out, err := FromEnv(cfg)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if out.BatchSize != 4 || !out.Debug {
		t.Fatalf("env overrides not applied: batch=%d debug=%v", out.BatchSize, out.Debug)
	}
}

func TestSnapshotKeys(t *testing.T) {
	cfg, _ := Default("camrest")
	data, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	for _, k := range Keys() {
		if _, ok := m[k]; !ok {
			t.Errorf("snapshot missing key %s", k)
		}
	}
	if m["vocab_size"].(float64) != 800 {
		t.Errorf("expected vocab_size 800 in snapshot, got %v", m["vocab_size"])
	}
}
