// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Tracklight
// server.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag passed to the binary, or
//   - the TRACKLIGHT_CONFIG environment variable.
//
// There are no fallbacks or automatic discovery: one file, explicit
// path, deterministic result. The API token may live inline, in a
// separate file (token_file), or in the TRACKLIGHT_API_TOKEN
// environment variable, which takes precedence over both.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the TCP listen address. Default ":3000".
	Listen string `yaml:"listen"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Auth configures the shared bearer credential.
	Auth AuthConfig `yaml:"auth"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log"`

	// Retention configures the background sweeper.
	Retention RetentionConfig `yaml:"retention"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path. Default "tracklight.db"
	// in the working directory.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the pool's
	// default.
	PoolSize int `yaml:"pool_size"`
}

// AuthConfig configures the shared bearer credential. Exactly one
// source must yield a non-empty token.
type AuthConfig struct {
	// Token is the expected bearer token, inline. Prefer TokenFile or
	// the TRACKLIGHT_API_TOKEN environment variable in deployments
	// where the config file is world-readable.
	Token string `yaml:"token"`

	// TokenFile is a path to a file containing the token. Leading and
	// trailing whitespace is trimmed.
	TokenFile string `yaml:"token_file"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default
	// "info".
	Level string `yaml:"level"`

	// Format is "text" or "json". Default "text".
	Format string `yaml:"format"`
}

// RetentionConfig configures the background retention sweeper. All
// windows are in days; zero selects the default.
type RetentionConfig struct {
	// EventsDays is how long raw events are kept, by received_at.
	// Default 7.
	EventsDays int `yaml:"events_days"`

	// SessionsDays is how long idle sessions are kept. Default 7.
	SessionsDays int `yaml:"sessions_days"`

	// DevicesDays is how long unseen devices are kept. Default 30.
	DevicesDays int `yaml:"devices_days"`
}

// EnvConfigPath is the environment variable naming the config file
// when --config is not passed.
const EnvConfigPath = "TRACKLIGHT_CONFIG"

// EnvAPIToken overrides the configured token when set.
const EnvAPIToken = "TRACKLIGHT_API_TOKEN"

// Load reads and validates the configuration. path may be empty, in
// which case TRACKLIGHT_CONFIG names the file; if that is also empty,
// defaults apply and the token must come from TRACKLIGHT_API_TOKEN.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		applyDefaults(cfg)
	}

	if err := resolveToken(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":3000"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "tracklight.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Retention.EventsDays == 0 {
		cfg.Retention.EventsDays = 7
	}
	if cfg.Retention.SessionsDays == 0 {
		cfg.Retention.SessionsDays = 7
	}
	if cfg.Retention.DevicesDays == 0 {
		cfg.Retention.DevicesDays = 30
	}
}

// resolveToken settles Auth.Token from, in order of precedence: the
// TRACKLIGHT_API_TOKEN environment variable, token_file, the inline
// token. An empty result is a configuration error — the server never
// runs without a credential.
func resolveToken(cfg *Config) error {
	if env := os.Getenv(EnvAPIToken); env != "" {
		cfg.Auth.Token = env
		return nil
	}

	if cfg.Auth.TokenFile != "" {
		data, err := os.ReadFile(cfg.Auth.TokenFile)
		if err != nil {
			return fmt.Errorf("config: reading token file %s: %w", cfg.Auth.TokenFile, err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return fmt.Errorf("config: token file %s is empty", cfg.Auth.TokenFile)
		}
		cfg.Auth.Token = token
		return nil
	}

	if cfg.Auth.Token == "" {
		return fmt.Errorf("config: no API token configured (set auth.token, auth.token_file, or %s)", EnvAPIToken)
	}
	return nil
}
