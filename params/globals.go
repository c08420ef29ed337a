package params

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

type TrainingConfig struct {
	// Model and data
	ModelID     string `yaml:"model_id"`     // local dir, s3://bucket/prefix or hub org/name
	DatasetPath string `yaml:"dataset_path"` // one utterance per line
	BlockSize   int    `yaml:"block_size"`   // tokens per example
	CacheDir    string `yaml:"cache_dir"`    // tokenization cache and hub downloads
	OutputDir   string `yaml:"output_dir"`   // checkpoints and the final model

	// Optimization
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	WarmupSteps   int     `yaml:"warmup_steps"` // linear warmup, then linear decay to 0
	WeightDecay   float64 `yaml:"weight_decay"` // AdamW, weight matrices only
	AdamBeta1     float64 `yaml:"adam_beta1"`
	AdamBeta2     float64 `yaml:"adam_beta2"`
	AdamEps       float64 `yaml:"adam_eps"`
	GradClip      float64 `yaml:"grad_clip"` // <=0 disables
	DropLastBatch bool    `yaml:"drop_last_batch"`
	Workers       int     `yaml:"workers"` // gradient replicas per batch
	Seed          int64   `yaml:"seed"`

	// Bookkeeping
	LogEverySteps  int   `yaml:"log_every_steps"`
	SaveEverySteps int   `yaml:"save_every_steps"` // 0 disables intermediate checkpoints
	SaveTotalLimit int   `yaml:"save_total_limit"` // <=0 keeps all
	MaxShardBytes  int64 `yaml:"max_shard_bytes"`

	// Generation
	MaxLength    int     `yaml:"max_length"` // prompt included
	MinNewTokens int     `yaml:"min_new_tokens"`
	DoSample     bool    `yaml:"do_sample"`
	Temperature  float64 `yaml:"temperature"`
	TopK         int     `yaml:"top_k"`
	TopP         float64 `yaml:"top_p"`

	// Model repository
	HubEndpoint string `yaml:"hub_endpoint"`
	HubRevision string `yaml:"hub_revision"`
	PushTo      string `yaml:"push_to"` // s3:// destination for the final model
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"` // S3-compatible store; empty for AWS

	// Base model for init
	InitVocabSize int `yaml:"init_vocab_size"`
	InitLayers    int `yaml:"init_layers"`
	InitEmbd      int `yaml:"init_embd"`
	InitHeads     int `yaml:"init_heads"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var Defaults = TrainingConfig{
	ModelID:     "microsoft/DialoGPT-small",
	DatasetPath: "data.txt",
	BlockSize:   128,
	CacheDir:    "cache",
	OutputDir:   "output",

	Epochs:       3,
	BatchSize:    4,
	LearningRate: 5e-5,
	WarmupSteps:  0,
	WeightDecay:  0,
	AdamBeta1:    0.9,
	AdamBeta2:    0.999,
	AdamEps:      1e-8,
	GradClip:     1.0,
	Workers:      1,
	Seed:         42,

	LogEverySteps:  10,
	SaveEverySteps: 500,
	SaveTotalLimit: 2,
	MaxShardBytes:  1 << 30,

	MaxLength:    100,
	MinNewTokens: 1,
	Temperature:  1.0,
	TopK:         50,
	TopP:         1.0,

	HubEndpoint: "https://huggingface.co",
	HubRevision: "main",

	InitVocabSize: 1024,
	InitLayers:    2,
	InitEmbd:      64,
	InitHeads:     4,

	LogLevel:  "info",
	LogFormat: "console",
}

// Load overlays the YAML file at path onto Defaults. An empty path returns
// Defaults.
func Load(fs afero.Fs, path string) (TrainingConfig, error) {
	cfg := Defaults
	if path == "" {
		return cfg, nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.ModelID == "":
		return invalid("model_id is empty")
	case c.BlockSize <= 0:
		return invalid("block_size must be positive, got %d", c.BlockSize)
	case c.Epochs < 0:
		return invalid("epochs must not be negative, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return invalid("learning_rate must be positive, got %g", c.LearningRate)
	case c.WarmupSteps < 0:
		return invalid("warmup_steps must not be negative")
	case c.WeightDecay < 0:
		return invalid("weight_decay must not be negative")
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1, c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return invalid("adam betas must be in [0, 1)")
	case c.AdamEps <= 0:
		return invalid("adam_eps must be positive")
	case c.Workers <= 0:
		return invalid("workers must be positive, got %d", c.Workers)
	case c.LogEverySteps < 0, c.SaveEverySteps < 0:
		return invalid("step intervals must not be negative")
	case c.MaxLength < 2:
		return invalid("max_length must leave room for a prompt token and a reply token, got %d", c.MaxLength)
	case c.MinNewTokens < 0:
		return invalid("min_new_tokens must not be negative")
	case c.DoSample && c.Temperature <= 0:
		return invalid("temperature must be positive when sampling")
	case c.TopP < 0 || c.TopP > 1:
		return invalid("top_p must be in [0, 1], got %g", c.TopP)
	}
	return nil
}
