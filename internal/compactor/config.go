// Orchestrator configuration.
package compactor

import "fmt"

// Defaults applied by WithDefaults.
const (
	DefaultMinMessages    = 5
	DefaultParallelChunks = 4
	DefaultMaxRetries     = 2
	DefaultHeadChars      = 1500
	DefaultTailChars      = 1500
)

// Config holds orchestrator tunables.
type Config struct {
	// MinMessages short-circuits compaction: histories below this length are
	// returned unchanged. Must be at least 2 so a previous compaction's
	// single summary message is never re-compacted.
	MinMessages int `yaml:"min_messages"`

	// ParallelChunks is the initial chunk fan-out; retries multiply it.
	ParallelChunks int `yaml:"parallel_chunks"`

	// MaxRetries bounds re-chunking attempts before falling back.
	MaxRetries int `yaml:"max_retries"`

	// FlushToMemory enables the best-effort memory flush before compaction.
	FlushToMemory bool `yaml:"flush_to_memory"`

	// Head/tail character windows used when a chunk degrades to truncation.
	TruncateHeadChars int `yaml:"truncate_head_chars"`
	TruncateTailChars int `yaml:"truncate_tail_chars"`

	// Model name passed to the token counter.
	Model string `yaml:"model"`

	// ProjectID and SessionID scope flushed memories.
	ProjectID string `yaml:"project_id"`
	SessionID string `yaml:"session_id"`
}

// WithDefaults fills zero fields with production defaults.
func WithDefaults(cfg Config) Config {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = DefaultMinMessages
	}
	if cfg.ParallelChunks <= 0 {
		cfg.ParallelChunks = DefaultParallelChunks
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.TruncateHeadChars <= 0 {
		cfg.TruncateHeadChars = DefaultHeadChars
	}
	if cfg.TruncateTailChars <= 0 {
		cfg.TruncateTailChars = DefaultTailChars
	}
	return cfg
}

// Validate rejects configurations that would break pipeline invariants.
func (c Config) Validate() error {
	if c.MinMessages < 2 {
		return fmt.Errorf("min_messages must be at least 2, got %d", c.MinMessages)
	}
	if c.ParallelChunks < 1 {
		return fmt.Errorf("parallel_chunks must be at least 1, got %d", c.ParallelChunks)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
