package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"clipforge/internal/tensor"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Name       string   `yaml:"name"`
	TrainRoots []string `yaml:"train_roots"`

	Model        string `yaml:"model"`
	EmbedDim     int    `yaml:"embed_dim"`
	ImageGrid    int    `yaml:"image_grid"`
	TextEmbedDim int    `yaml:"text_embed_dim"`
	// VocabSize, ContextLength and TokenizerPath apply to the caption path
	// only. TokenizerPath names a tokenizer.json; without it captions are
	// hashed into VocabSize ids.
	VocabSize     int    `yaml:"vocab_size"`
	ContextLength int    `yaml:"context_length"`
	TokenizerPath string `yaml:"tokenizer_path"`

	Epochs     int   `yaml:"epochs"`
	BatchSize  int   `yaml:"batch_size"`
	NumWorkers int   `yaml:"num_workers"`
	Seed       int64 `yaml:"seed"`

	AccumFreq      int      `yaml:"accum_freq"`
	GradClipNorm   *float64 `yaml:"grad_clip_norm"`
	ClipGradToUnit *bool    `yaml:"clip_grad_to_unit"`
	Precision      string   `yaml:"precision"`

	Optimizer    string  `yaml:"optimizer"`
	Momentum     float64 `yaml:"momentum"`
	LR           float64 `yaml:"lr"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Eps          float64 `yaml:"eps"`
	WeightDecay  float64 `yaml:"wd"`
	Warmup       int     `yaml:"warmup"`
	LRScheduler  string  `yaml:"lr_scheduler"`
	SkipSchedule bool    `yaml:"skip_scheduler"`

	LogEvery      int    `yaml:"log_every_n_steps"`
	SaveEvery     int    `yaml:"save_every_n_steps"`
	DeletePrev    bool   `yaml:"delete_prev_step_ckpt"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	SaveLogs      bool   `yaml:"save_logs"`
	ReportTo      string `yaml:"report_to"`
	TrackingDir   string `yaml:"tracking_dir"`
	Resume        string `yaml:"resume"`

	Distill           bool   `yaml:"distill"`
	DistillCheckpoint string `yaml:"distill_checkpoint"`

	Distributed bool `yaml:"distributed"`
	WorldSize   int  `yaml:"world_size"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Name       string
	TrainRoots []string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	AccumFreq  int
	LogEvery   int
	Precision  string
	WorldSize  int
	Resume     string
}

// Default returns a Config with every optional knob at its usual value.
func Default() *Config {
	return &Config{
		Name:          "clipforge",
		Model:         "clip",
		EmbedDim:      64,
		ImageGrid:     16,
		VocabSize:     49408,
		ContextLength: 77,
		Epochs:        1,
		NumWorkers:    1,
		Seed:          42,
		AccumFreq:     1,
		Precision:     "fp32",
		Optimizer:     "adamw",
		LR:            5e-4,
		Beta1:         0.9,
		Beta2:         0.98,
		Eps:           1e-6,
		WeightDecay:   0.2,
		LRScheduler:   "cosine",
		LogEvery:      100,
		CheckpointDir: "checkpoints",
		WorldSize:     1,
	}
}

// Load reads a Config from YAML on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Name != "" {
		c.Name = o.Name
	}
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.AccumFreq > 0 {
		c.AccumFreq = o.AccumFreq
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Precision != "" {
		c.Precision = o.Precision
	}
	if o.WorldSize > 0 {
		c.WorldSize = o.WorldSize
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.AccumFreq <= 0 {
		return errors.Errorf("accum_freq must be > 0 (got %d)", c.AccumFreq)
	}
	if c.GradClipNorm != nil && *c.GradClipNorm <= 0 {
		return errors.Errorf("grad_clip_norm must be > 0 when set (got %g)", *c.GradClipNorm)
	}
	if c.LogEvery <= 0 {
		return errors.Errorf("log_every_n_steps must be > 0 (got %d)", c.LogEvery)
	}
	if c.SaveEvery < 0 {
		return errors.Errorf("save_every_n_steps must be >= 0 (got %d)", c.SaveEvery)
	}
	if c.ImageGrid <= 0 || c.EmbedDim <= 0 {
		return errors.Errorf("image_grid and embed_dim must be > 0 (got %d, %d)", c.ImageGrid, c.EmbedDim)
	}
	if c.TextEmbedDim < 0 {
		return errors.Errorf("text_embed_dim must be >= 0 (got %d)", c.TextEmbedDim)
	}
	if c.TextEmbedDim == 0 && c.TokenizerPath == "" && c.VocabSize < 4 {
		return errors.Errorf("vocab_size must be >= 4 on the caption path (got %d)", c.VocabSize)
	}
	if _, err := ParsePrecision(c.Precision); err != nil {
		return err
	}
	switch c.Optimizer {
	case "adamw", "sgd":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.WorldSize <= 0 {
		return errors.Errorf("world_size must be > 0 (got %d)", c.WorldSize)
	}
	if c.WorldSize > 1 && !c.Distributed {
		return errors.New("world_size > 1 requires distributed: true")
	}
	if c.Distill {
		if c.DistillCheckpoint == "" {
			return errors.New("distill requires distill_checkpoint")
		}
		if c.AccumFreq > 1 {
			return errors.New("distillation is not supported with accum_freq > 1")
		}
	}
	if c.ReportTo != "" && c.TrackingDir == "" {
		return errors.New("report_to requires tracking_dir")
	}
	return nil
}

// Precision is a parsed precision mode.
type Precision struct {
	Name string
	// InputDType is what prepared images are cast to.
	InputDType tensor.DType
	// Autocast is the dtype activations are rounded to inside forward.
	Autocast tensor.DType
	// Scaled enables dynamic loss scaling.
	Scaled bool
}

// ParsePrecision maps a precision name to its casting policy.
func ParsePrecision(name string) (Precision, error) {
	p := Precision{Name: strings.ToLower(strings.TrimSpace(name))}
	switch p.Name {
	case "", "fp32":
		p.Name = "fp32"
		p.InputDType = tensor.Float32
		p.Autocast = tensor.Float32
	case "amp":
		p.InputDType = tensor.Float32
		p.Autocast = tensor.Float16
		p.Scaled = true
	case "amp_bf16", "amp_bfloat16":
		p.InputDType = tensor.Float32
		p.Autocast = tensor.BFloat16
	case "fp16", "pure_fp16":
		p.InputDType = tensor.Float16
		p.Autocast = tensor.Float16
	case "bf16", "pure_bf16":
		p.InputDType = tensor.BFloat16
		p.Autocast = tensor.BFloat16
	case "fp64":
		p.InputDType = tensor.Float64
		p.Autocast = tensor.Float64
	default:
		return Precision{}, errors.Errorf("unknown precision %q", name)
	}
	return p, nil
}
