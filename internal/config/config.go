// Package config loads fetchd settings from the environment, optionally
// overlaid by a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the daemon and the CLI.
type Config struct {
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	TempDir        string        `yaml:"tempDir"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	UserAgent      string        `yaml:"userAgent"`

	Listen   string `yaml:"listen"`
	APIToken string `yaml:"apiToken"`

	LogFormat    string `yaml:"logFormat"` // text | json
	LogLevel     string `yaml:"logLevel"`  // debug | info | warn | error
	LogFile      string `yaml:"logFile"`
	LogMaxSizeMB int    `yaml:"logMaxSizeMB"`

	History      string `yaml:"history"` // memory | postgres
	HistoryLimit int    `yaml:"historyLimit"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxConcurrent:  5,
		TempDir:        os.TempDir(),
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		UserAgent:      "fetchd",
		Listen:         ":9090",
		LogFormat:      "text",
		LogLevel:       "info",
		LogMaxSizeMB:   100,
		History:        "memory",
		HistoryLimit:   1000,
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then FETCHD_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("FETCHD_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FETCHD_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FETCHD_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("FETCHD_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FETCHD_CONNECT_TIMEOUT: %w", err)
		}
		c.ConnectTimeout = d
	}
	if v := os.Getenv("FETCHD_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FETCHD_READ_TIMEOUT: %w", err)
		}
		c.ReadTimeout = d
	}
	if v := os.Getenv("FETCHD_LOG_MAX_SIZE_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FETCHD_LOG_MAX_SIZE_MB: %w", err)
		}
		c.LogMaxSizeMB = n
	}
	if v := os.Getenv("FETCHD_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FETCHD_HISTORY_LIMIT: %w", err)
		}
		c.HistoryLimit = n
	}
	c.TempDir = getenv("FETCHD_TEMP_DIR", c.TempDir)
	c.UserAgent = getenv("FETCHD_USER_AGENT", c.UserAgent)
	c.Listen = getenv("FETCHD_LISTEN", c.Listen)
	c.APIToken = getenv("FETCHD_API_TOKEN", c.APIToken)
	c.LogFormat = getenv("FETCHD_LOG_FORMAT", c.LogFormat)
	c.LogLevel = getenv("FETCHD_LOG_LEVEL", c.LogLevel)
	c.LogFile = getenv("FETCHD_LOG_FILE", c.LogFile)
	c.History = getenv("FETCHD_HISTORY", c.History)
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("maxConcurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.History {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown history backend %q", c.History)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
