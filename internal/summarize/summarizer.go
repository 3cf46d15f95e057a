// Package summarize reduces blocks of conversation text to shorter text.
//
// DESIGN: Summarizer is a pluggable capability. The default LocalSummarizer
// is deterministic and network-free (sentence scoring heuristic); an
// LLM-backed implementation lives in llm.go. The parallel stage in
// parallel.go fans chunks out to a Summarizer and fans results back in by
// chunk index, so completion order never leaks into output order.
package summarize

import (
	"context"
	"sort"
	"strings"
)

// Summarizer reduces a block of text to a shorter text.
// Implementations may block on I/O; they must honor ctx cancellation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Local summarizer tunables.
const (
	// minSentenceLen filters out fragments that carry no information.
	minSentenceLen = 20
	// maxKeptSentences caps output size regardless of input length.
	maxKeptSentences = 10
)

// importanceKeywords mark sentences worth keeping verbatim.
var importanceKeywords = []string{
	"decision", "critical", "todo", "error", "should", "because",
}

// LocalSummarizer is a deterministic extractive summarizer: it scores
// sentences by importance keywords and keeps the best third (capped),
// preserving original sentence order.
type LocalSummarizer struct{}

// NewLocal creates the default heuristic summarizer.
func NewLocal() LocalSummarizer { return LocalSummarizer{} }

// Summarize implements Summarizer. It never fails and ignores ctx (no I/O).
func (LocalSummarizer) Summarize(_ context.Context, text string) (string, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return strings.TrimSpace(text), nil
	}

	type scored struct {
		index int
		text  string
		score int
	}
	candidates := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		candidates = append(candidates, scored{index: i, text: s, score: scoreSentence(s)})
	}

	// Keep the top ceil(n/3), capped.
	keep := (len(candidates) + 2) / 3
	if keep > maxKeptSentences {
		keep = maxKeptSentences
	}
	if keep < 1 {
		keep = 1
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})
	kept := candidates[:keep]

	// Re-emit in original relative order.
	sort.Slice(kept, func(a, b int) bool { return kept[a].index < kept[b].index })

	parts := make([]string, len(kept))
	for i, s := range kept {
		parts[i] = s.text
	}
	return strings.Join(parts, ". "), nil
}

func scoreSentence(s string) int {
	lower := strings.ToLower(s)
	score := 0
	for _, kw := range importanceKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if strings.Contains(s, "```") {
		score += 2
	}
	if strings.Contains(s, "?") {
		score++
	}
	return score
}

// splitSentences breaks text on sentence terminators and newlines, dropping
// fragments shorter than minSentenceLen.
func splitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder
	inFence := false

	flush := func() {
		s := strings.TrimSpace(sb.String())
		sb.Reset()
		if len(s) >= minSentenceLen {
			sentences = append(sentences, s)
		}
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '`' && i+2 < len(runes) && runes[i+1] == '`' && runes[i+2] == '`' {
			inFence = !inFence
		}
		sb.WriteRune(r)
		if inFence {
			continue
		}
		switch r {
		case '.', '!', '?', '\n':
			flush()
		}
	}
	flush()
	return sentences
}
