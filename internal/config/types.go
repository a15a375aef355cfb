package config

// #region config
// Config is the flat run configuration. It is built once at startup and passed
// by value, so no component can change what another one sees.
type Config struct {
	Dataset    string `cfg:"dataset"`
	DataPath   string `cfg:"data_path"`
	VocabPath  string `cfg:"vocab_path"`
	ModelPath  string `cfg:"model_path"`
	ResultPath string `cfg:"result_path"`
	DBPath     string `cfg:"db_path"`     // run registry; empty disables it
	MetricAddr string `cfg:"metric_addr"` // remote metric service; empty = local evaluator

	VocabSize  int `cfg:"vocab_size"`
	HiddenSize int `cfg:"hidden_size"`
	DegreeSize int `cfg:"degree_size"`
	ZLength    int `cfg:"z_length"` // max decoded span length
	MaxTS      int `cfg:"max_ts"`   // max sequence length of every encoded stream
	BatchSize  int `cfg:"batch_size"`

	LR             float64 `cfg:"lr"`
	LRDecay        float64 `cfg:"lr_decay"`
	WeightDecay    float64 `cfg:"weight_decay"`
	EarlyStopCount int     `cfg:"early_stop_count"`
	EpochNum       int     `cfg:"epoch_num"`
	RLEpochNum     int     `cfg:"rl_epoch_num"`
	GradClipTrain  float64 `cfg:"grad_clip_train"`
	GradClipRL     float64 `cfg:"grad_clip_rl"`
	HiddenCarry    float64 `cfg:"hidden_carry"` // share of the previous turn state kept by the model

	EvalWithGroundTruth bool `cfg:"eval_with_ground_truth"`
	Pretrain            bool `cfg:"pretrain"`
	Shuffle             bool `cfg:"shuffle"`
	ValidatePreview     bool `cfg:"validate_preview"`
	Debug               bool `cfg:"debug"`

	Seed int64 `cfg:"seed"`
}

// #endregion config
