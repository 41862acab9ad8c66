// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from a YAML
// file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/soundgrab/internal/log"
)

// Validation errors.
var (
	ErrDataDirRequired        = errors.New("config: data_dir is required")
	ErrMaxConcurrencyRequired = errors.New("config: max_concurrency is required and must be > 0")
)

// concurrencyWarnThreshold is where we start warning that the configured
// ceiling risks overwhelming acquisition sources. There is deliberately no
// built-in default: operators must choose a ceiling themselves.
const concurrencyWarnThreshold = 16

// Config is the daemon configuration.
type Config struct {
	// DataDir is the library root. Every resolved destination must stay
	// below it, and the catalog database lives in it unless DatabasePath
	// overrides that.
	DataDir string `yaml:"data_dir"`

	// DatabasePath overrides the catalog database location.
	DatabasePath string `yaml:"database_path"`

	// Listen is the HTTP control surface address.
	Listen string `yaml:"listen"`

	// MaxConcurrency is the worker slot count. Required, no default.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxAttempts caps acquisition attempts per task.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffBase and RetryBackoffMax bound the retry delay curve.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`

	// FetchRatePerHost and FetchBurst throttle requests against a single
	// source host. Zero disables throttling.
	FetchRatePerHost float64 `yaml:"fetch_rate_per_host"`
	FetchBurst       int     `yaml:"fetch_burst"`

	// LogLevel sets the global zerolog level.
	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (optional, pass "" to skip), applies
// environment overrides, fills defaults, and validates. The returned config
// is ready to use.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = ParseString("SG_DATA_DIR", c.DataDir)
	c.DatabasePath = ParseString("SG_DATABASE_PATH", c.DatabasePath)
	c.Listen = ParseString("SG_LISTEN", c.Listen)
	c.MaxConcurrency = ParseInt("SG_MAX_CONCURRENCY", c.MaxConcurrency)
	c.MaxAttempts = ParseInt("SG_MAX_ATTEMPTS", c.MaxAttempts)
	c.RetryBackoffBase = ParseDuration("SG_RETRY_BACKOFF_BASE", c.RetryBackoffBase)
	c.RetryBackoffMax = ParseDuration("SG_RETRY_BACKOFF_MAX", c.RetryBackoffMax)
	c.LogLevel = ParseString("SG_LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8686"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 500 * time.Millisecond
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.DatabasePath == "" && c.DataDir != "" {
		c.DatabasePath = filepath.Join(c.DataDir, "catalog.db")
	}
}

// Validate checks required fields and warns on risky values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirRequired
	}
	if c.MaxConcurrency <= 0 {
		return ErrMaxConcurrencyRequired
	}
	if c.MaxConcurrency > concurrencyWarnThreshold {
		logger := log.WithComponent("config")
		logger.Warn().
			Int("max_concurrency", c.MaxConcurrency).
			Msg("high concurrency ceiling may overwhelm acquisition sources")
	}
	return nil
}
