// Package compactor orchestrates chunk-and-summarize compaction.
//
// FLOW:
//  1. Init: histories below MinMessages return unchanged (no-op contract)
//  2. Flush: best-effort memory flush; failures are logged and ignored
//  3. Chunk: split into ParallelChunks token-balanced chunks, then balance
//  4. Summarize: parallel per-chunk summarization, index-ordered merge
//  5. Check: merged summary within budget → done (single system message)
//  6. Retry: otherwise re-chunk at ParallelChunks*(attempt+1), up to MaxRetries
//  7. Fallback: deterministic cascade over the role-tagged full text
//
// Compact never fails for input-shape reasons; every terminal state returns
// a Result. Collaborator failures degrade per-chunk or are skipped. The only
// error Compact returns is context cancellation, checked between stages so
// result invariants hold.
package compactor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ctxkit/compactor/internal/chunker"
	"github.com/ctxkit/compactor/internal/fallback"
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/memory"
	"github.com/ctxkit/compactor/internal/monitoring"
	"github.com/ctxkit/compactor/internal/summarize"
	"github.com/ctxkit/compactor/internal/tokens"
)

// Result is the outcome of one compaction run.
type Result struct {
	Messages          []history.Message
	TotalTokens       int
	OriginalTokens    int
	CompressionRatio  float64 // 1 - total/original; 0 when no compaction occurred
	MessagesCompacted int
	MemoriesFlushed   int
	UsedFallback      bool // true iff the cascade, not summarization, produced the output
	FallbackStrategy  string
	Duration          time.Duration
}

// Compactor sequences the compaction pipeline. All collaborators are
// injected; there are no package-level singletons.
type Compactor struct {
	cfg        Config
	counter    tokens.Counter
	summarizer summarize.Summarizer
	flusher    memory.Flusher // nil disables flushing regardless of config
	chunks     *chunker.Chunker
	cascade    *fallback.Cascade
	metrics    *monitoring.Metrics
	progress   monitoring.ProgressFunc
}

// Option configures optional collaborators.
type Option func(*Compactor)

// WithFlusher sets the memory flush sink.
func WithFlusher(f memory.Flusher) Option {
	return func(c *Compactor) { c.flusher = f }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

// WithProgress sets the progress observer.
func WithProgress(f monitoring.ProgressFunc) Option {
	return func(c *Compactor) { c.progress = f }
}

// New creates a compactor. Counter and summarizer are required; a nil
// summarizer uses the deterministic local one.
func New(cfg Config, counter tokens.Counter, summarizer summarize.Summarizer, opts ...Option) *Compactor {
	cfg = WithDefaults(cfg)
	if summarizer == nil {
		summarizer = summarize.NewLocal()
	}
	c := &Compactor{
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		chunks:     chunker.New(counter),
		cascade:    fallback.New(counter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact reduces messages to fit targetTokens. The input slice is never
// mutated; the result holds either the input slice unchanged (no-op) or a
// freshly built message list.
func (c *Compactor) Compact(ctx context.Context, messages []history.Message, targetTokens int) (Result, error) {
	start := time.Now()
	runID := uuid.New().String()[:8]
	originalTokens := tokens.CountMessages(c.counter, messages, c.cfg.Model)

	// Init: no-op below the threshold, or when already within budget.
	if len(messages) < c.cfg.MinMessages {
		log.Debug().Str("run", runID).Int("messages", len(messages)).Int("min", c.cfg.MinMessages).Msg("below min messages, skipping compaction")
		return c.noop(messages, originalTokens, start), nil
	}
	if targetTokens > 0 && originalTokens <= targetTokens {
		return c.noop(messages, originalTokens, start), nil
	}
	if targetTokens < 1 {
		targetTokens = 1
	}

	log.Info().
		Str("run", runID).
		Int("messages", len(messages)).
		Int("original_tokens", originalTokens).
		Int("target_tokens", targetTokens).
		Msg("compaction started")

	// Flush: best-effort, never blocks the pipeline.
	memoriesFlushed := c.flush(ctx, messages)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Chunk / Summarize / Check / Retry.
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		chunkCount := c.cfg.ParallelChunks * (attempt + 1)
		c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageChunk, Attempt: attempt, TargetTokens: targetTokens})

		split := c.chunks.Split(messages, chunkCount, c.cfg.Model)
		split = c.chunks.Balance(split, c.cfg.Model)

		c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageSummarize, Attempt: attempt, TargetTokens: targetTokens})
		summaries := summarize.SummarizeChunks(ctx, split, c.summarizer, c.counter, c.cfg.Model, c.cfg.TruncateHeadChars, c.cfg.TruncateTailChars)
		for _, s := range summaries {
			if s.Degraded && c.metrics != nil {
				c.metrics.RecordSummarizerFailure()
			}
		}
		merged := summarize.MergeSummaries(summaries, c.counter, c.cfg.Model)

		c.progress.Report(monitoring.ProgressEvent{
			Stage: monitoring.StageCheck, Attempt: attempt,
			CurrentTokens: merged.TokenCount, TargetTokens: targetTokens,
		})

		if merged.TokenCount <= targetTokens {
			result := c.wrap(messages, merged.Text, originalTokens, memoriesFlushed, false, "", start)
			log.Info().
				Str("run", runID).
				Int("attempt", attempt).
				Int("total_tokens", result.TotalTokens).
				Float64("ratio", result.CompressionRatio).
				Msg("compaction complete via summarization")
			if c.metrics != nil {
				c.metrics.RecordCompaction(originalTokens, result.TotalTokens, false)
			}
			return result, nil
		}

		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if attempt < c.cfg.MaxRetries {
			log.Debug().
				Str("run", runID).
				Int("attempt", attempt).
				Int("merged_tokens", merged.TokenCount).
				Msg("summary over budget, retrying with finer chunks")
			c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageRetry, Attempt: attempt + 1, TargetTokens: targetTokens})
		}
	}

	// Fallback: deterministic cascade over the role-tagged text.
	c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageFallback, TargetTokens: targetTokens})
	fb := c.cascade.Run(history.FormatAll(messages), targetTokens, c.cfg.Model)
	result := c.wrap(messages, fb.Content, originalTokens, memoriesFlushed, true, fb.Strategy, start)
	log.Warn().
		Str("run", runID).
		Str("strategy", fb.Strategy).
		Int("total_tokens", result.TotalTokens).
		Msg("compaction complete via fallback")
	if c.metrics != nil {
		c.metrics.RecordCompaction(originalTokens, result.TotalTokens, true)
	}
	return result, nil
}

func (c *Compactor) flush(ctx context.Context, messages []history.Message) int {
	if !c.cfg.FlushToMemory || c.flusher == nil {
		return 0
	}
	c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageFlush})
	n, err := c.flusher.Flush(ctx, messages, memory.FlushOptions{
		ProjectID: c.cfg.ProjectID,
		SessionID: c.cfg.SessionID,
	})
	if err != nil {
		log.Warn().Err(err).Msg("memory flush failed, continuing without it")
		return 0
	}
	return n
}

func (c *Compactor) noop(messages []history.Message, originalTokens int, start time.Time) Result {
	return Result{
		Messages:         messages,
		TotalTokens:      originalTokens,
		OriginalTokens:   originalTokens,
		CompressionRatio: 0,
		Duration:         time.Since(start),
	}
}

func (c *Compactor) wrap(original []history.Message, text string, originalTokens, flushed int, usedFallback bool, strategy string, start time.Time) Result {
	// Counted as a message, not as bare text: framing overhead counts
	// against the caller's budget too.
	summaryMsg := history.NewText(history.RoleSystem, text)
	totalTokens := c.counter.CountMessage(summaryMsg, c.cfg.Model)

	ratio := 0.0
	if originalTokens > 0 && totalTokens < originalTokens {
		ratio = 1 - float64(totalTokens)/float64(originalTokens)
	}
	c.progress.Report(monitoring.ProgressEvent{Stage: monitoring.StageDone, CurrentTokens: totalTokens})
	return Result{
		Messages:          []history.Message{summaryMsg},
		TotalTokens:       totalTokens,
		OriginalTokens:    originalTokens,
		CompressionRatio:  ratio,
		MessagesCompacted: len(original),
		MemoriesFlushed:   flushed,
		UsedFallback:      usedFallback,
		FallbackStrategy:  strategy,
		Duration:          time.Since(start),
	}
}
