// Package config loads and validates the engine configuration.
//
// DESIGN: One YAML file configures the whole engine. Environment variables
// expand inside the file with ${VAR:-default} syntax, so the same config
// ships across environments with only the environment changing. Unset
// fields fall back to component defaults; Validate rejects values that are
// set but out of range.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctxkit/compactor/internal/compactor"
	"github.com/ctxkit/compactor/internal/compress"
	"github.com/ctxkit/compactor/internal/monitoring"
	"github.com/ctxkit/compactor/internal/summarize"
)

// Config is the root configuration for the compaction engine.
type Config struct {
	Logging   monitoring.LoggerConfig `yaml:"logging"`
	Compactor compactor.Config        `yaml:"compactor"`
	Compress  compress.Config         `yaml:"compress"`
	LLM       summarize.LLMConfig     `yaml:"llm"`
	Memory    MemoryConfig            `yaml:"memory"`
	Archive   ArchiveConfig           `yaml:"archive"`
}

// MemoryConfig controls the fact store the flush stage writes into.
type MemoryConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"` // 0 uses the store default
}

// ArchiveConfig controls snapshot persistence.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`      // SQLite file; empty keeps archives in memory only
	Retention time.Duration `yaml:"retention"` // 0 disables pruning
}

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} in the raw file.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, expands
// environment variables, fills defaults, and validates.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Compactor = compactor.WithDefaults(cfg.Compactor)
	cfg.Compress = compress.WithDefaults(cfg.Compress)
	if cfg.Archive.Enabled {
		// Persisting snapshots needs the in-memory ring producing them.
		cfg.Compress.ArchiveEnabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a usable configuration without any file.
func Default() *Config {
	return &Config{
		Logging:   monitoring.LoggerConfig{Level: "info", Format: "json"},
		Compactor: compactor.WithDefaults(compactor.Config{}),
		Compress:  compress.WithDefaults(compress.Config{}),
	}
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if err := c.Compactor.Validate(); err != nil {
		return fmt.Errorf("compactor: %w", err)
	}
	if c.Memory.TTL < 0 {
		return fmt.Errorf("memory.ttl must not be negative")
	}
	if c.Archive.Retention < 0 {
		return fmt.Errorf("archive.retention must not be negative")
	}
	// LLM is optional: the local summarizer needs no provider. When a
	// provider is named the endpoint must come with it.
	if c.LLM.Provider != "" && c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required when llm.provider is set")
	}
	return nil
}
