// Package config loads the YAML configuration shared by the client
// engine and the sync backend.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig locates the local store and its event payload schema.
type StoreConfig struct {
	// Path is the SQLite database file holding the event log and the
	// materialized tables.
	Path string `yaml:"path"`
	// Definitions optionally points at a CUE file with event payload
	// definitions; empty disables payload validation.
	Definitions string `yaml:"definitions"`
}

// SyncConfig configures the connection to the sync backend.
type SyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	StoreID string `yaml:"storeId"`
	// Auth is an opaque JSON document forwarded verbatim to the
	// backend's authorization hook, e.g. '{"token":"..."}'.
	Auth string `yaml:"auth"`
	// OfflinePolicy is "keep-running" (default) or "stop".
	OfflinePolicy string `yaml:"offlinePolicy"`
}

// ServerConfig configures the sync backend process.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"dataDir"`
	PageSize int    `yaml:"pageSize"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path: "tidelog.db",
		},
		Sync: SyncConfig{
			OfflinePolicy: "keep-running",
		},
		Server: ServerConfig{
			Listen:   ":8337",
			DataDir:  "data",
			PageSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected
// so typos fail loudly instead of silently using a default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enum fields and required values.
func (c Config) Validate() error {
	switch c.Sync.OfflinePolicy {
	case "", "keep-running", "stop":
	default:
		return fmt.Errorf("sync.offlinePolicy must be keep-running or stop, got %q", c.Sync.OfflinePolicy)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Sync.Enabled {
		if c.Sync.URL == "" {
			return fmt.Errorf("sync.url required when sync is enabled")
		}
		if c.Sync.StoreID == "" {
			return fmt.Errorf("sync.storeId required when sync is enabled")
		}
	}
	if c.Sync.Auth != "" && !json.Valid([]byte(c.Sync.Auth)) {
		return fmt.Errorf("sync.auth must be a JSON document")
	}
	if c.Server.PageSize < 1 {
		return fmt.Errorf("server.pageSize must be positive")
	}
	return nil
}
