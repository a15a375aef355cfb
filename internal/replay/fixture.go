package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/YouzhiTian/MOSS-End-to-End-Dialog-System-Framework-with-Modular-Supervision/internal/plateau"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Epochs          []FixtureEpoch          `json:"epochs"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig mirrors ReplayConfig with JSON tags.
type FixtureConfig struct {
	LR             float64 `json:"lr"`
	EarlyStopCount int     `json:"early_stop_count"`
	LRDecay        float64 `json:"lr_decay"`
}

// FixtureEpoch mirrors Epoch with JSON tags.
type FixtureEpoch struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValidLoss float64 `json:"valid_loss"`
}

// FixtureExpectedResult captures the expected action per epoch.
type FixtureExpectedResult struct {
	Epoch  int    `json:"epoch"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	return ReplayConfig{
		Policy: plateau.Policy{Patience: fc.EarlyStopCount, DecayFactor: fc.LRDecay},
		LR:     fc.LR,
	}
}

// ToEpochs converts the fixture epochs to domain Epochs.
func (f *Fixture) ToEpochs() []Epoch {
	out := make([]Epoch, len(f.Epochs))
	for i, e := range f.Epochs {
		out[i] = Epoch{Epoch: e.Epoch, TrainLoss: e.TrainLoss, ValidLoss: e.ValidLoss}
	}
	return out
}

// NewFixture builds a fixture from recorded epochs and the actions taken.
func NewFixture(description string, cfg ReplayConfig, epochs []Epoch, actions []string) *Fixture {
	f := &Fixture{
		Description: description,
		Config: FixtureConfig{
			LR:             cfg.LR,
			EarlyStopCount: cfg.Policy.Patience,
			LRDecay:        cfg.Policy.DecayFactor,
		},
		Epochs:          make([]FixtureEpoch, len(epochs)),
		ExpectedResults: make([]FixtureExpectedResult, 0, len(actions)),
	}
	for i, e := range epochs {
		f.Epochs[i] = FixtureEpoch{Epoch: e.Epoch, TrainLoss: e.TrainLoss, ValidLoss: e.ValidLoss}
		if i < len(actions) {
			f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{Epoch: e.Epoch, Action: actions[i]})
		}
	}
	return f
}

// Save writes f as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-loader
