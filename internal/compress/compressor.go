// Package compress is the enhanced, message-centric compressor.
//
// Where the orchestrator in internal/compactor collapses history into one
// summary message, this pipeline preserves conversational structure: it
// classifies every message, scores importance, and applies a five-stage
// cascade where each stage runs only if the previous one left the history
// over budget:
//
//	a. sliding window + overlap (preserved messages survive the drop)
//	b. content-aware tool-output truncation
//	c. intelligent summarization of everything before the window
//	d. importance-based removal (original order restored)
//	e. hard truncation from the end (terminal)
//
// When archiving is enabled a deep-copy snapshot is pushed to a bounded
// ring BEFORE any destructive stage runs; RecoverContext returns it.
package compress

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/monitoring"
	"github.com/ctxkit/compactor/internal/tokens"
)

// Defaults applied by WithDefaults.
const (
	DefaultWindowSize            = 10
	DefaultOverlapSize           = 2
	DefaultPreservationThreshold = 0.8
	DefaultMaxToolOutputLength   = 2000
	DefaultMaxSummaryTokens      = 500
	DefaultMaxArchives           = 5
)

// Config holds enhanced-compressor tunables.
type Config struct {
	// WindowSize is how many recent messages stay verbatim.
	WindowSize int `yaml:"window_size"`

	// OverlapSize is the transition zone kept just before the window.
	OverlapSize int `yaml:"overlap_size"`

	// PreservationThreshold is the importance at which a message survives
	// window-based dropping.
	PreservationThreshold float64 `yaml:"preservation_threshold"`

	// MaxToolOutputLength caps tool-result text in characters; errors get
	// 1.5x and code 1.2x of this.
	MaxToolOutputLength int `yaml:"max_tool_output_length"`

	// MaxSummaryTokens bounds each section of the stage-c summary message.
	MaxSummaryTokens int `yaml:"max_summary_tokens"`

	// FlowSummary prepends a generated overview of fully-dropped messages
	// in stage a.
	FlowSummary bool `yaml:"flow_summary"`

	// ArchiveEnabled snapshots the full history before destructive stages.
	ArchiveEnabled bool `yaml:"archive_enabled"`

	// MaxArchives bounds the archive ring; oldest evicted first.
	MaxArchives int `yaml:"max_archives"`

	// Model name passed to the token counter.
	Model string `yaml:"model"`

	// SessionID tags archives.
	SessionID string `yaml:"session_id"`
}

// WithDefaults fills zero fields with production defaults.
func WithDefaults(cfg Config) Config {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.OverlapSize <= 0 {
		cfg.OverlapSize = DefaultOverlapSize
	}
	if cfg.PreservationThreshold <= 0 {
		cfg.PreservationThreshold = DefaultPreservationThreshold
	}
	if cfg.MaxToolOutputLength <= 0 {
		cfg.MaxToolOutputLength = DefaultMaxToolOutputLength
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = DefaultMaxSummaryTokens
	}
	if cfg.MaxArchives <= 0 {
		cfg.MaxArchives = DefaultMaxArchives
	}
	return cfg
}

// Result is the outcome of one compression run.
type Result struct {
	Messages         []history.Message
	TotalTokens      int
	OriginalTokens   int
	CompressionRatio float64
	StagesApplied    []string
	ArchiveID        string // empty when no destructive stage ran or archiving is off
	Duration         time.Duration
}

// ArchiveSink mirrors snapshots into external storage. Optional; the
// in-memory ring stays authoritative for recovery.
type ArchiveSink interface {
	Save(archive ContextArchive) error
}

// Compressor runs the five-stage cascade. Not safe for concurrent use: the
// archive ring assumes callers serialize compression and recovery.
type Compressor struct {
	cfg      Config
	counter  tokens.Counter
	archives *archiveRing
	sink     ArchiveSink
	metrics  *monitoring.Metrics
	progress monitoring.ProgressFunc
}

// Option configures optional collaborators.
type Option func(*Compressor)

// WithArchiveSink mirrors archives into external storage.
func WithArchiveSink(s ArchiveSink) Option {
	return func(c *Compressor) { c.sink = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Compressor) { c.metrics = m }
}

// WithProgress sets the progress observer.
func WithProgress(f monitoring.ProgressFunc) Option {
	return func(c *Compressor) { c.progress = f }
}

// New creates a compressor with the given counter.
func New(cfg Config, counter tokens.Counter, opts ...Option) *Compressor {
	cfg = WithDefaults(cfg)
	c := &Compressor{
		cfg:      cfg,
		counter:  counter,
		archives: newArchiveRing(cfg.MaxArchives),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress reduces messages to fit targetTokens, preserving structure and
// recency. Never returns an error for input-shape reasons; the only error
// is context cancellation, checked between stages.
func (c *Compressor) Compress(ctx context.Context, messages []history.Message, targetTokens int) (Result, error) {
	start := time.Now()
	originalTokens := tokens.CountMessages(c.counter, messages, c.cfg.Model)

	result := Result{
		Messages:       messages,
		TotalTokens:    originalTokens,
		OriginalTokens: originalTokens,
	}
	if len(messages) == 0 || (targetTokens > 0 && originalTokens <= targetTokens) {
		result.Duration = time.Since(start)
		return result, nil
	}
	if targetTokens < 1 {
		targetTokens = 1
	}

	// Key information is extracted up front, before anything is dropped.
	info := ExtractKeyInformation(messages)

	c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageClassify, TargetTokens: targetTokens})
	classified := c.classifyAll(messages)

	// Snapshot precedes the first destructive stage, not follows it:
	// recovery must see the exact pre-compression history.
	if c.cfg.ArchiveEnabled {
		archive := c.snapshot(messages, originalTokens, "pre_compression")
		c.archives.push(archive)
		result.ArchiveID = archive.ID
		c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageArchive})
		if c.sink != nil {
			if err := c.sink.Save(archive); err != nil {
				log.Warn().Err(err).Str("archive", archive.ID).Msg("archive sink save failed")
			}
		}
	}

	stages := []struct {
		name  string
		stage string
		fn    func([]ClassifiedMessage, int, KeyInformation) []ClassifiedMessage
	}{
		{"sliding_window", monitoring.StageWindow, c.stageSlidingWindow},
		{"tool_truncation", monitoring.StageTruncate, c.stageToolTruncation},
		{"summarization", monitoring.StageSummary, c.stageSummarization},
		{"importance_removal", monitoring.StageRemoval, c.stageImportanceRemoval},
		{"hard_truncation", monitoring.StageHardTrim, c.stageHardTruncation},
	}

	current := classified
	total := originalTokens
	for _, s := range stages {
		if total <= targetTokens {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		current = s.fn(current, targetTokens, info)
		total = c.totalTokens(current)
		result.StagesApplied = append(result.StagesApplied, s.name)
		c.progress.Report(monitoring.ProgressEvent{
			Stage: s.stage, CurrentTokens: total, TargetTokens: targetTokens,
		})
		log.Debug().
			Str("stage", s.name).
			Int("messages", len(current)).
			Int("tokens", total).
			Int("target", targetTokens).
			Msg("compression stage applied")
	}

	result.Messages = unwrap(current)
	result.TotalTokens = total
	if originalTokens > 0 && total < originalTokens {
		result.CompressionRatio = 1 - float64(total)/float64(originalTokens)
	}
	result.Duration = time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordCompression(originalTokens, total)
	}
	log.Info().
		Int("original_tokens", originalTokens).
		Int("total_tokens", total).
		Int("messages", len(result.Messages)).
		Strs("stages", result.StagesApplied).
		Msg("compression complete")
	c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageDone, CurrentTokens: total})
	return result, nil
}

// RecoverContext returns the snapshot taken before a compression run: the
// archive with the given ID, or the most recent one when id is empty. The
// returned messages are a fresh deep copy each call.
func (c *Compressor) RecoverContext(id string) ([]history.Message, bool) {
	var archive ContextArchive
	var ok bool
	if id == "" {
		archive, ok = c.archives.latest()
	} else {
		archive, ok = c.archives.byID(id)
	}
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordArchiveMiss()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.RecordArchiveHit()
	}
	return history.CloneAll(archive.Messages), true
}

// ArchiveCount reports how many snapshots the ring currently holds.
func (c *Compressor) ArchiveCount() int { return c.archives.len() }

func (c *Compressor) totalTokens(classified []ClassifiedMessage) int {
	total := 0
	for _, cm := range classified {
		total += cm.TokenCount
	}
	return total
}

func unwrap(classified []ClassifiedMessage) []history.Message {
	out := make([]history.Message, len(classified))
	for i, cm := range classified {
		out[i] = cm.Message
	}
	return out
}
