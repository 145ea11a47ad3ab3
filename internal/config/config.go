// Package config loads aniscrobble settings.
//
// Settings come from, in increasing precedence: built-in defaults, a YAML or
// TOML file, and ANISCROBBLE_* environment variables. The merged result is
// checked against an embedded CUE schema before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AppName names the config and data directories.
const AppName = "aniscrobble"

// Environment variables that override file settings.
const (
	EnvDatabase     = "ANISCROBBLE_DB"
	EnvAPIURL       = "ANISCROBBLE_API_URL"
	EnvTokenURL     = "ANISCROBBLE_TOKEN_URL"
	EnvClientID     = "ANISCROBBLE_CLIENT_ID"
	EnvClientSecret = "ANISCROBBLE_CLIENT_SECRET"
)

// Config is the complete runtime configuration.
type Config struct {
	Database string     `yaml:"database" toml:"database"`
	API      APIConfig  `yaml:"api" toml:"api"`
	Sync     SyncConfig `yaml:"sync" toml:"sync"`
}

// APIConfig describes the remote tracking service.
type APIConfig struct {
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	TokenURL          string   `yaml:"token_url" toml:"token_url"`
	ClientID          string   `yaml:"client_id" toml:"client_id"`
	ClientSecret      string   `yaml:"client_secret" toml:"client_secret"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerMinute int      `yaml:"requests_per_minute" toml:"requests_per_minute"`
}

// SyncConfig holds queue and retry policy.
type SyncConfig struct {
	DedupeWindow         Duration `yaml:"dedupe_window" toml:"dedupe_window"`
	MaxAttempts          int      `yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase          Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap           Duration `yaml:"backoff_cap" toml:"backoff_cap"`
	BackoffJitterPercent int      `yaml:"backoff_jitter_percent" toml:"backoff_jitter_percent"`
	PageSize             int      `yaml:"page_size" toml:"page_size"`
	RefreshMargin        Duration `yaml:"refresh_margin" toml:"refresh_margin"`

	// Interval is the daemon's pause between sync runs.
	Interval Duration `yaml:"interval" toml:"interval"`

	// Retention is how long confirmed and failed events are kept.
	Retention Duration `yaml:"retention" toml:"retention"`
}

// RemoteConfigured reports whether a remote service is configured.
func (c Config) RemoteConfigured() bool {
	return c.API.BaseURL != ""
}

// Default returns the built-in configuration. The database lives in the
// user cache directory, falling back to the working directory.
func Default() Config {
	return Config{
		Database: DefaultDatabasePath(),
		API: APIConfig{
			Timeout:           Duration(10 * time.Second),
			RequestsPerMinute: 90,
		},
		Sync: SyncConfig{
			DedupeWindow:         Duration(6 * time.Hour),
			MaxAttempts:          8,
			BackoffBase:          Duration(30 * time.Second),
			BackoffCap:           Duration(5 * time.Minute),
			BackoffJitterPercent: 20,
			PageSize:             100,
			RefreshMargin:        Duration(5 * time.Minute),
			Interval:             Duration(15 * time.Minute),
			Retention:            Duration(30 * 24 * time.Hour),
		},
	}
}

// DefaultDatabasePath returns <user cache dir>/aniscrobble/aniscrobble.db.
func DefaultDatabasePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return AppName + ".db"
	}
	return filepath.Join(dir, AppName, AppName+".db")
}

// DefaultPaths lists the files Load tries when no path is given, in order.
func DefaultPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	base := filepath.Join(dir, AppName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.toml"),
	}
}

// Load builds the configuration.
//
// An explicit path must exist. With an empty path the first existing file of
// DefaultPaths is used, and defaults apply when there is none. Returns the
// file actually read, "" if none.
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range DefaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, path, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, path, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

// decode reads data onto cfg, so fields missing from the file keep their
// defaults. Unknown keys are rejected.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvDatabase, &cfg.Database)
	set(EnvAPIURL, &cfg.API.BaseURL)
	set(EnvTokenURL, &cfg.API.TokenURL)
	set(EnvClientID, &cfg.API.ClientID)
	set(EnvClientSecret, &cfg.API.ClientSecret)
}
