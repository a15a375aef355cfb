package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned by Apply for a key that names no option.
var ErrUnknownKey = errors.New("unknown config key")

// #region defaults

// Default returns the configuration for a dataset ("camrest" or "kvret").
func Default(dataset string) (Config, error) {
	cfg := Config{
		Dataset:    dataset,
		DataPath:   "data/" + dataset + ".json",
		VocabPath:  "vocab/vocab-" + dataset + ".json",
		ModelPath:  "models/" + dataset + ".pkl",
		ResultPath: "results/" + dataset + ".csv",

		VocabSize:  800,
		HiddenSize: 50,
		DegreeSize: 5,
		ZLength:    8,
		MaxTS:      40,
		BatchSize:  32,

		LR:             0.003,
		LRDecay:        0.5,
		WeightDecay:    5e-5,
		EarlyStopCount: 3,
		EpochNum:       100,
		RLEpochNum:     1,
		GradClipTrain:  5.0,
		GradClipRL:     2.0,
		HiddenCarry:    0.5,

		EvalWithGroundTruth: true,
		Shuffle:             true,
		ValidatePreview:     true,
	}
	switch dataset {
	case "camrest":
	case "kvret":
		cfg.VocabSize = 1400
		cfg.ZLength = 16
		cfg.MaxTS = 50
	default:
		return Config{}, fmt.Errorf("unknown dataset %q", dataset)
	}
	return cfg, nil
}

// #endregion defaults

// #region env

// FromEnv applies MOSS_<KEY> environment overrides, e.g. MOSS_LR=0.001.
func FromEnv(cfg Config) (Config, error) {
	var pairs []string
	for _, key := range Keys() {
		if v := os.Getenv("MOSS_" + strings.ToUpper(key)); v != "" {
			pairs = append(pairs, key+"="+v)
		}
	}
	return cfg.Apply(pairs)
}

// #endregion env

// #region apply

// Apply returns a copy of cfg with key=value overrides applied. Values are
// parsed according to the type of the target field. Booleans follow the
// command-line convention of the original tool: "False" is false, anything
// else is true.
func (c Config) Apply(pairs []string) (Config, error) {
	out := c
	v := reflect.ValueOf(&out).Elem()
	fields := fieldIndex()
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return Config{}, fmt.Errorf("parse override %q: expected key=value", pair)
		}
		idx, ok := fields[key]
		if !ok {
			return Config{}, fmt.Errorf("apply %q: %w", key, ErrUnknownKey)
		}
		f := v.Field(idx)
		switch f.Kind() {
		case reflect.String:
			f.SetString(val)
		case reflect.Bool:
			f.SetBool(val != "False" && val != "false")
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", key, err)
			}
			f.SetInt(n)
		case reflect.Float64:
			x, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", key, err)
			}
			f.SetFloat(x)
		default:
			return Config{}, fmt.Errorf("apply %s: unsupported kind %s", key, f.Kind())
		}
	}
	return out, out.Validate()
}

// Keys lists every option name in declaration order.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		keys = append(keys, t.Field(i).Tag.Get("cfg"))
	}
	return keys
}

func fieldIndex() map[string]int {
	t := reflect.TypeOf(Config{})
	idx := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		idx[t.Field(i).Tag.Get("cfg")] = i
	}
	return idx
}

// #endregion apply

// #region validate

// Validate rejects configurations the training loop cannot run with.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 8:
		return fmt.Errorf("vocab_size %d must exceed the reserved tokens", c.VocabSize)
	case c.MaxTS <= 0:
		return fmt.Errorf("max_ts must be positive, got %d", c.MaxTS)
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.DegreeSize <= 0:
		return fmt.Errorf("degree_size must be positive, got %d", c.DegreeSize)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LR <= 0:
		return fmt.Errorf("lr must be positive, got %g", c.LR)
	case c.LRDecay <= 0 || c.LRDecay > 1:
		return fmt.Errorf("lr_decay must be in (0, 1], got %g", c.LRDecay)
	case c.EarlyStopCount <= 0:
		return fmt.Errorf("early_stop_count must be positive, got %d", c.EarlyStopCount)
	case c.HiddenCarry < 0 || c.HiddenCarry >= 1:
		return fmt.Errorf("hidden_carry must be in [0, 1), got %g", c.HiddenCarry)
	}
	return nil
}

// #endregion validate

// #region snapshot

// Snapshot returns the configuration as a JSON object keyed by option name.
func (c Config) Snapshot() ([]byte, error) {
	v := reflect.ValueOf(c)
	t := v.Type()
	m := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		m[t.Field(i).Tag.Get("cfg")] = v.Field(i).Interface()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String renders the configuration for the startup log line.
func (c Config) String() string {
	data, err := c.Snapshot()
	if err != nil {
		return "config: " + err.Error()
	}
	return string(data)
}

// #endregion snapshot
