// Package config loads the YAML run configuration and applies command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	RandomSeed   int64   `yaml:"random_seed"`
	BatchSize    int     `yaml:"batch_size"`
	TestSize     int     `yaml:"test_size"`
	TrainSize    int     `yaml:"train_size"`
	Epsilon      float64 `yaml:"epsilon"`
	ClassNum     int     `yaml:"class_num"`
	PGDIter      int     `yaml:"pgd_iter"`
	WeightDecay  float64 `yaml:"weight_decay"`
	LearningRate float64 `yaml:"learning_rate"`
	Gamma        float64 `yaml:"gamma"`
	PrintIter    int     `yaml:"print_iter"`
	SaveIter     int     `yaml:"save_iter"`
	NSteps       int     `yaml:"nsteps"`
	LogDir       string  `yaml:"log_dir"`
	ModelFileD   string  `yaml:"model_fileD"`
	ModelFileG   string  `yaml:"model_fileG"`

	DataDir         string `yaml:"data_dir"`
	Synthetic       bool   `yaml:"synthetic"`
	ImageSize       int    `yaml:"image_size"`
	Channels        int    `yaml:"channels"`
	GHidden         int    `yaml:"g_hidden"`
	DWidth          int    `yaml:"d_width"`
	LRDecayStep     int    `yaml:"lr_decay_step"`
	Resume          bool   `yaml:"resume"`
	HaltOnNonFinite bool   `yaml:"halt_on_nonfinite"`
	MetricsAddr     string `yaml:"metrics_addr"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	Dashboard       bool   `yaml:"dashboard"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
}

// Overrides captures CLI supplied values. Zero values leave the config untouched.
type Overrides struct {
	RandomSeed   int64
	BatchSize    int
	NSteps       int
	Epsilon      float64
	LearningRate float64
	Gamma        float64
	LogDir       string
	DataDir      string
	Synthetic    bool
	Resume       bool
	MetricsAddr  string
	OTLPEndpoint string
	Dashboard    bool
	LogLevel     string
	LogFormat    string
}

// Defaults mirrors the CIFAR-10 setup.
func Defaults() *Config {
	return &Config{
		RandomSeed:   1,
		BatchSize:    64,
		TestSize:     10000,
		TrainSize:    50000,
		Epsilon:      8.0 / 255 * 2,
		ClassNum:     10,
		PGDIter:      10,
		WeightDecay:  1e-4,
		LearningRate: 0.01,
		Gamma:        0.1,
		PrintIter:    500,
		SaveIter:     5000,
		NSteps:       200000,
		LogDir:       "logs",
		ModelFileD:   "discriminator.ckpt",
		ModelFileG:   "generator.ckpt",
		ImageSize:    32,
		Channels:     3,
		GHidden:      16,
		DWidth:       16,
		LRDecayStep:  100000,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads a Config from YAML on top of Defaults. Unknown keys are rejected. The result is not
// validated so that overrides can be applied first.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.RandomSeed != 0 {
		c.RandomSeed = o.RandomSeed
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NSteps > 0 {
		c.NSteps = o.NSteps
	}
	if o.Epsilon > 0 {
		c.Epsilon = o.Epsilon
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Gamma > 0 {
		c.Gamma = o.Gamma
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Synthetic {
		c.Synthetic = true
	}
	if o.Resume {
		c.Resume = true
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
	if o.OTLPEndpoint != "" {
		c.OTLPEndpoint = o.OTLPEndpoint
	}
	if o.Dashboard {
		c.Dashboard = true
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	positive := []struct {
		key string
		v   int
	}{
		{"batch_size", c.BatchSize},
		{"test_size", c.TestSize},
		{"train_size", c.TrainSize},
		{"class_num", c.ClassNum},
		{"pgd_iter", c.PGDIter},
		{"print_iter", c.PrintIter},
		{"save_iter", c.SaveIter},
		{"image_size", c.ImageSize},
		{"channels", c.Channels},
		{"g_hidden", c.GHidden},
		{"d_width", c.DWidth},
		{"lr_decay_step", c.LRDecayStep},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", p.key, p.v)
		}
	}
	if c.NSteps < 0 {
		return fmt.Errorf("nsteps must be >= 0 (got %d)", c.NSteps)
	}
	if c.TestSize < c.BatchSize {
		return fmt.Errorf("test_size %d is smaller than batch_size %d", c.TestSize, c.BatchSize)
	}
	if c.ImageSize%4 != 0 {
		return fmt.Errorf("image_size must be a multiple of 4 (got %d)", c.ImageSize)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be > 0 (got %g)", c.Epsilon)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.Gamma < 0 {
		return fmt.Errorf("gamma must be >= 0 (got %g)", c.Gamma)
	}
	if c.ModelFileD == "" || c.ModelFileG == "" {
		return errors.New("model_fileD and model_fileG must be set")
	}
	if c.ModelFileD == c.ModelFileG {
		return fmt.Errorf("model_fileD and model_fileG must differ (both %s)", c.ModelFileD)
	}
	if !c.Synthetic && c.DataDir == "" {
		return errors.New("data_dir is required unless synthetic is set")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}

// CheckpointPaths resolves the two model files. Relative names live under log_dir.
func (c *Config) CheckpointPaths() (d, g string) {
	resolve := func(name string) string {
		if filepath.IsAbs(name) || c.LogDir == "" {
			return name
		}
		return filepath.Join(c.LogDir, name)
	}
	return resolve(c.ModelFileD), resolve(c.ModelFileG)
}
