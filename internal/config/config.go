// Package config handles loading and validating the questline.yaml configuration.
// questd runs with zero config (sensible defaults); the file only overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level questline.yaml configuration.
type Config struct {
	ListenAddr  string           `yaml:"listen_addr"`  // HTTP bind address, e.g., ":8080"
	CORSOrigins []string         `yaml:"cors_origins"` // allowed browser origins
	Cache       CacheConfig      `yaml:"cache"`
	Reconciler  ReconcilerConfig `yaml:"reconciler"`
	Debug       DebugConfig      `yaml:"debug"`
}

// CacheConfig tunes the in-memory challenge read cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"` // zero uses the cache package default
	MaxEntries int  `yaml:"max_entries"` // zero uses the cache package default
}

// TTL returns the configured TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ReconcilerConfig controls the background audit consistency sweep.
type ReconcilerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g., "*/10 * * * *"
}

// DebugConfig holds developer-facing switches.
type DebugConfig struct {
	// VerboseDecisionLogging logs every gate evaluation with the full check
	// breakdown, not just failures. Noisy; off in production.
	VerboseDecisionLogging bool `yaml:"verbose_decision_logging"`
}

// DefaultConfig returns the zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Cache:      CacheConfig{Enabled: true},
		Reconciler: ReconcilerConfig{Enabled: true, Schedule: "*/10 * * * *"},
	}
}

// Load parses a questline.yaml file and validates it.
// If path is empty, returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: QUESTLINE_CONFIG env var > ./questline.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("QUESTLINE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("questline.yaml"); err == nil {
		return "questline.yaml"
	}
	return ""
}

// validate checks field-level constraints the YAML schema cannot express.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Reconciler.Enabled && c.Reconciler.Schedule == "" {
		return fmt.Errorf("reconciler.schedule is required when the reconciler is enabled")
	}
	return nil
}
