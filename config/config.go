// Package config loads estimator and store settings from an optional YAML
// file and COPULAE_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/yutiansut/copulae/errs"
	"github.com/yutiansut/copulae/funcstore"
	gridcorr "github.com/yutiansut/copulae/grid-corr"
	"github.com/yutiansut/copulae/logger"
)

// EnvPrefix prefixes every environment variable, e.g. COPULAE_NSIM or
// COPULAE_STORE_PATH.
const EnvPrefix = "COPULAE"

// Config holds the interpolator settings.
type Config struct {
	NSim       int     `mapstructure:"nsim"`
	Seed       int64   `mapstructure:"seed"`
	Workers    int     `mapstructure:"workers"`
	Degree     int     `mapstructure:"degree"`
	Smoothing  float64 `mapstructure:"smoothing"`
	Symmetrize bool    `mapstructure:"symmetrize"`
	StorePath  string  `mapstructure:"store_path"`
	LogLevel   string  `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nsim", gridcorr.DefaultNSim)
	v.SetDefault("seed", 0)
	v.SetDefault("workers", runtime.GOMAXPROCS(0))
	v.SetDefault("degree", gridcorr.DefaultDegree)
	v.SetDefault("smoothing", gridcorr.DefaultSmoothing)
	v.SetDefault("symmetrize", false)
	v.SetDefault("store_path", funcstore.DefaultFileName)
	v.SetDefault("log_level", "INFO")
}

// Load reads path, when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that no component would reject on its own
// before doing work.
func (c *Config) Validate() error {
	if c.NSim < 2 {
		return errs.Invalid("nsim must be at least 2, got %d", c.NSim)
	}
	if c.Smoothing < 0 {
		return errs.Invalid("smoothing must be non-negative, got %v", c.Smoothing)
	}
	if c.StorePath == "" {
		return errs.Invalid("store path must not be empty")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errs.Invalid("%v", err)
	}
	return nil
}

// EstimatorOptions returns the estimator options for these settings.
func (c *Config) EstimatorOptions() []gridcorr.Option {
	return []gridcorr.Option{
		gridcorr.WithNSim(c.NSim),
		gridcorr.WithRandomSeed(c.Seed),
		gridcorr.WithWorkers(c.Workers),
	}
}

// FitOptions returns the spline options for these settings.
func (c *Config) FitOptions() []gridcorr.FitOption {
	return []gridcorr.FitOption{
		gridcorr.WithDegree(c.Degree),
		gridcorr.WithSmoothing(c.Smoothing),
		gridcorr.WithSymmetrize(c.Symmetrize),
	}
}

// OpenStore opens the function store at StorePath.
func (c *Config) OpenStore(options ...funcstore.Option) (*funcstore.Store, error) {
	return funcstore.Open(c.StorePath, options...)
}
