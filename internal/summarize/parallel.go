// Parallel per-chunk summarization with ordered fan-in.
package summarize

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/ctxkit/compactor/internal/chunker"
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/tokens"
)

// Fallback truncation window used when the caller passes no head/tail
// sizes: keep the first and last truncFallbackChars characters of the
// formatted chunk text.
const truncFallbackChars = 1500

// ChunkSummary is the summarization result for one chunk. Index maps 1:1
// back to the source chunk.
type ChunkSummary struct {
	Index              int
	Summary            string
	TokenCount         int
	OriginalTokenCount int
	CompressionRatio   float64

	// Degraded is set when the summarizer failed and the summary is a
	// head/tail truncation of the raw chunk text instead.
	Degraded bool
}

// SummarizeChunks invokes the summarizer on every chunk concurrently. Chunks
// share no mutable state, so no lock is needed beyond the join. A failed
// summarization does not abort siblings; that chunk degrades to keeping the
// first headChars and last tailChars characters of its formatted text
// (non-positive values fall back to truncFallbackChars). Results are sorted
// by chunk index before returning, restoring original order regardless of
// completion order.
func SummarizeChunks(ctx context.Context, chunks []chunker.MessageChunk, s Summarizer, counter tokens.Counter, model string, headChars, tailChars int) []ChunkSummary {
	if len(chunks) == 0 {
		return []ChunkSummary{}
	}
	if headChars <= 0 {
		headChars = truncFallbackChars
	}
	if tailChars <= 0 {
		tailChars = truncFallbackChars
	}

	summaries := make([]ChunkSummary, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(slot int, chunk chunker.MessageChunk) {
			defer wg.Done()
			summaries[slot] = summarizeOne(ctx, chunk, s, counter, model, headChars, tailChars)
		}(i, chunk)
	}
	wg.Wait()

	sort.Slice(summaries, func(a, b int) bool { return summaries[a].Index < summaries[b].Index })
	return summaries
}

func summarizeOne(ctx context.Context, chunk chunker.MessageChunk, s Summarizer, counter tokens.Counter, model string, headChars, tailChars int) ChunkSummary {
	text := history.FormatAll(chunk.Messages)

	summary, err := s.Summarize(ctx, text)
	degraded := false
	if err != nil {
		log.Warn().Err(err).Int("chunk", chunk.Index).Msg("chunk summarization failed, degrading to truncation")
		summary = truncateHeadTail(text, headChars, tailChars)
		degraded = true
	}

	tokenCount := counter.CountText(summary, model)
	ratio := 0.0
	if chunk.TokenCount > 0 {
		ratio = 1 - float64(tokenCount)/float64(chunk.TokenCount)
	}
	return ChunkSummary{
		Index:              chunk.Index,
		Summary:            summary,
		TokenCount:         tokenCount,
		OriginalTokenCount: chunk.TokenCount,
		CompressionRatio:   ratio,
		Degraded:           degraded,
	}
}

func truncateHeadTail(text string, head, tail int) string {
	if len(text) <= head+tail {
		return text
	}
	for head > 0 && !utf8.RuneStart(text[head]) {
		head--
	}
	start := len(text) - tail
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[:head] + "\n[...truncated...]\n" + text[start:]
}
