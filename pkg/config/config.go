// Package config loads the pagestore configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBufferPoolSize = 50
	DefaultReplacerK      = 2
)

// StorageConfig describes the data file and the buffer pool in front of it.
type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	BufferPoolSize int    `yaml:"buffer_pool_size"`
	ReplacerK      int    `yaml:"replacer_k"`
}

// FlusherConfig controls background write-back of dirty pages.
type FlusherConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	PagesPerSecond int           `yaml:"pages_per_second"`
}

// Config is the top-level configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Flusher   FlusherConfig    `yaml:"flusher"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration that runs without a config file.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DBPath:         "pagestore.db",
			BufferPoolSize: DefaultBufferPoolSize,
			ReplacerK:      DefaultReplacerK,
		},
		Flusher: FlusherConfig{
			Enabled:        false,
			Interval:       time.Second,
			PagesPerSecond: 0,
		},
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "pagestore",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path and overlays it on Default. Fields missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs error
	if c.Storage.DBPath == "" {
		errs = multierr.Append(errs, errors.New("config: storage.db_path is required"))
	}
	if c.Storage.BufferPoolSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: storage.buffer_pool_size must be positive, got %d", c.Storage.BufferPoolSize))
	}
	if c.Storage.ReplacerK <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: storage.replacer_k must be positive, got %d", c.Storage.ReplacerK))
	}
	if c.Flusher.Enabled && c.Flusher.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: flusher.interval must be positive, got %s", c.Flusher.Interval))
	}
	if c.Flusher.PagesPerSecond < 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: flusher.pages_per_second must not be negative, got %d", c.Flusher.PagesPerSecond))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config: %w", err))
	}
	return errs
}
