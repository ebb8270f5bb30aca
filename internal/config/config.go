// Package config loads fitter and service settings from TOML files.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cwbudde/lmcirclefit/internal/fit"
)

// Config holds the settings shared by the CLI and the HTTP service
type Config struct {
	Lambda   float64
	MaxIter  int
	MaxInner int
	Workers  int
	Strategy string
	Retries  int

	Preprocess Preprocess
	Mayfly     Mayfly

	DataDir string
	Addr    string
}

// Preprocess selects the optional data normalization before fitting
type Preprocess struct {
	Center bool
	Scale  bool
}

// Mayfly configures the global seed search. MaxIters and MaxPopSize cap
// what a service request may ask for.
type Mayfly struct {
	Iters      int
	PopSize    int
	Seed       int64
	MaxIters   int
	MaxPopSize int
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Lambda:   fit.DefaultLambda,
		MaxIter:  fit.DefaultMaxIter,
		MaxInner: fit.DefaultMaxInner,
		Workers:  runtime.NumCPU(),
		Strategy: string(fit.SeedGiven),
		Retries:  0,
		Mayfly: Mayfly{
			Iters:      200,
			PopSize:    30,
			Seed:       42,
			MaxIters:   5000,
			MaxPopSize: 500,
		},
		DataDir: "./data",
		Addr:    "localhost:8080",
	}
}

type fileConfig struct {
	Lambda   float64 `toml:"lambda"`
	MaxIter  int     `toml:"max_iter"`
	MaxInner int     `toml:"max_inner"`
	Workers  int     `toml:"workers"`
	Strategy string  `toml:"strategy"`
	Retries  int     `toml:"retries"`
	DataDir  string  `toml:"data_dir"`
	Addr     string  `toml:"addr"`

	Preprocess struct {
		Center bool `toml:"center"`
		Scale  bool `toml:"scale"`
	} `toml:"preprocess"`

	Mayfly struct {
		Iters      int   `toml:"iters"`
		PopSize    int   `toml:"pop_size"`
		Seed       int64 `toml:"seed"`
		MaxIters   int   `toml:"max_iters"`
		MaxPopSize int   `toml:"max_pop_size"`
	} `toml:"mayfly"`
}

// Load reads path and applies every key it defines on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("lambda") {
		cfg.Lambda = raw.Lambda
	}
	if meta.IsDefined("max_iter") {
		cfg.MaxIter = raw.MaxIter
	}
	if meta.IsDefined("max_inner") {
		cfg.MaxInner = raw.MaxInner
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("strategy") {
		cfg.Strategy = strings.TrimSpace(raw.Strategy)
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}

	if meta.IsDefined("preprocess", "center") {
		cfg.Preprocess.Center = raw.Preprocess.Center
	}
	if meta.IsDefined("preprocess", "scale") {
		cfg.Preprocess.Scale = raw.Preprocess.Scale
	}

	if meta.IsDefined("mayfly", "iters") {
		cfg.Mayfly.Iters = raw.Mayfly.Iters
	}
	if meta.IsDefined("mayfly", "pop_size") {
		cfg.Mayfly.PopSize = raw.Mayfly.PopSize
	}
	if meta.IsDefined("mayfly", "seed") {
		cfg.Mayfly.Seed = raw.Mayfly.Seed
	}
	if meta.IsDefined("mayfly", "max_iters") {
		cfg.Mayfly.MaxIters = raw.Mayfly.MaxIters
	}
	if meta.IsDefined("mayfly", "max_pop_size") {
		cfg.Mayfly.MaxPopSize = raw.Mayfly.MaxPopSize
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings for consistency
func (c Config) Validate() error {
	if err := c.LMConfig().Validate(); err != nil {
		return err
	}
	if _, err := fit.ParseSeedStrategy(c.Strategy); err != nil {
		return err
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", c.Retries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Mayfly.Iters <= 0 {
		return fmt.Errorf("mayfly iterations must be positive, got %d", c.Mayfly.Iters)
	}
	if c.Mayfly.PopSize <= 0 {
		return fmt.Errorf("mayfly population must be positive, got %d", c.Mayfly.PopSize)
	}
	if c.Mayfly.MaxIters < c.Mayfly.Iters {
		return fmt.Errorf("mayfly max_iters %d is below iters %d", c.Mayfly.MaxIters, c.Mayfly.Iters)
	}
	if c.Mayfly.MaxPopSize < c.Mayfly.PopSize {
		return fmt.Errorf("mayfly max_pop_size %d is below pop_size %d", c.Mayfly.MaxPopSize, c.Mayfly.PopSize)
	}
	return nil
}

// LMConfig returns the fitter configuration for these settings
func (c Config) LMConfig() fit.LMConfig {
	lm := fit.DefaultLMConfig()
	lm.Lambda = c.Lambda
	lm.MaxIter = c.MaxIter
	lm.MaxInner = c.MaxInner
	lm.Workers = c.Workers
	return lm
}

// RetryConfig returns the retry policy for these settings
func (c Config) RetryConfig() fit.RetryConfig {
	if c.Retries == 0 {
		return fit.NoRetryConfig()
	}
	retry := fit.DefaultRetryConfig()
	retry.MaxRetries = c.Retries
	return retry
}
