// Package fallback is the deterministic size-reduction cascade used when
// summarization cannot meet the token budget.
//
// DESIGN: Four pure text strategies tried in a fixed order, each strictly
// more aggressive than the last. Every failed attempt shrinks the working
// target by 20%, so the cascade converges toward a hard floor and terminates
// within four steps regardless of input size. The terminal strategy always
// returns a result; below MinViableBudgetTokens that result is best-effort
// and may exceed the target (the marker text itself has a token floor), so
// callers must check TokenCount rather than assume success.
package fallback

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/ctxkit/compactor/internal/tokens"
)

// Strategy names reported in FallbackResult.
const (
	StrategyTruncate           = "truncate"
	StrategyRemoveMiddle       = "remove_middle"
	StrategyExtractKey         = "extract_key"
	StrategyAggressiveTruncate = "aggressive_truncate"
)

// MinViableBudgetTokens is the smallest target the terminal strategy can
// reliably satisfy: below this the truncation marker alone can exceed the
// budget and the result is best-effort only.
const MinViableBudgetTokens = 16

// targetShrinkFactor applied to the working target after each failed strategy.
const targetShrinkFactor = 0.8

// budgetSlack leaves headroom in the character budget for marker text and
// tokenizer density variance, so a strategy's output does not overshoot the
// token target by a hair and force a needless escalation.
const budgetSlack = 0.95

// Head/tail split ratios per strategy.
const (
	truncateHeadRatio     = 0.6
	truncateTailRatio     = 0.4
	removeMiddleHeadRatio = 0.7
	removeMiddleTailRatio = 0.3
	aggressiveHeadRatio   = 0.9
)

// Result describes the output of one strategy.
type Result struct {
	Content          string
	TokenCount       int
	Strategy         string
	OriginalTokens   int
	CompressionRatio float64
}

// Cascade runs the strategies against text until one meets the shrinking
// target. Pure and deterministic: same text and target always produce the
// same result.
type Cascade struct {
	counter tokens.Counter
}

// New creates a cascade using the given token counter.
func New(counter tokens.Counter) *Cascade {
	return &Cascade{counter: counter}
}

// Run reduces text toward targetTokens. The first strategy whose output fits
// the current target wins; otherwise the terminal strategy's output is
// returned regardless of size.
func (c *Cascade) Run(text string, targetTokens int, model string) Result {
	originalTokens := c.counter.CountText(text, model)
	if targetTokens < 1 {
		targetTokens = 1
	}
	if originalTokens <= targetTokens {
		return Result{
			Content:        text,
			TokenCount:     originalTokens,
			Strategy:       StrategyTruncate,
			OriginalTokens: originalTokens,
		}
	}

	charsPerToken := measureCharsPerToken(text, originalTokens)
	target := targetTokens

	strategies := []struct {
		name string
		fn   func(string, int) string
	}{
		{StrategyTruncate, c.truncate},
		{StrategyRemoveMiddle, c.removeMiddle},
		{StrategyExtractKey, c.extractKey},
	}

	var out Result
	for _, s := range strategies {
		budgetChars := int(float64(target) * charsPerToken * budgetSlack)
		content := s.fn(text, budgetChars)
		if content == "" {
			// extractKey found no scoring sentences: delegate to the
			// terminal strategy.
			continue
		}
		out = c.result(s.name, content, originalTokens, model)
		if out.TokenCount <= target {
			return out
		}
		log.Debug().
			Str("strategy", s.name).
			Int("tokens", out.TokenCount).
			Int("target", target).
			Msg("fallback strategy over target, escalating")
		target = int(float64(target) * targetShrinkFactor)
		if target < 1 {
			target = 1
		}
	}

	// Terminal: always returns, best-effort below the marker floor.
	budgetChars := int(float64(target) * charsPerToken * budgetSlack)
	content := c.aggressiveTruncate(text, budgetChars)
	return c.result(StrategyAggressiveTruncate, content, originalTokens, model)
}

func (c *Cascade) result(strategy, content string, originalTokens int, model string) Result {
	count := c.counter.CountText(content, model)
	ratio := 0.0
	if originalTokens > 0 {
		ratio = 1 - float64(count)/float64(originalTokens)
	}
	return Result{
		Content:          content,
		TokenCount:       count,
		Strategy:         strategy,
		OriginalTokens:   originalTokens,
		CompressionRatio: ratio,
	}
}

// measureCharsPerToken derives the chars/token ratio of this specific text so
// character budgets track the real tokenizer density (code-heavy text runs
// denser than prose).
func measureCharsPerToken(text string, tokenCount int) float64 {
	if tokenCount <= 0 {
		return 4.0
	}
	return float64(len(text)) / float64(tokenCount)
}

// truncate keeps the head (60% of budget) and tail (40%) of the text.
func (c *Cascade) truncate(text string, budgetChars int) string {
	head := int(float64(budgetChars) * truncateHeadRatio)
	tail := int(float64(budgetChars) * truncateTailRatio)
	if head+tail >= len(text) {
		return text
	}
	return headBytes(text, head) + "\n...\n" + tailBytes(text, tail)
}

// removeMiddle keeps head (70%) and tail (30%), marking the exact number of
// characters removed so a reader knows what is missing.
func (c *Cascade) removeMiddle(text string, budgetChars int) string {
	head := int(float64(budgetChars) * removeMiddleHeadRatio)
	tail := int(float64(budgetChars) * removeMiddleTailRatio)
	if head+tail >= len(text) {
		return text
	}
	kept, rest := headBytes(text, head), tailBytes(text, tail)
	removed := len(text) - len(kept) - len(rest)
	return fmt.Sprintf("%s\n[... %d characters removed ...]\n%s", kept, removed, rest)
}

// keywordScores weight sentences by how decision-relevant they look.
var keywordScores = []struct {
	words []string
	score int
}{
	{[]string{"error", "bug"}, 5},
	{[]string{"fix", "solution"}, 4},
	{[]string{"important", "critical"}, 4},
	{[]string{"decided", "decision"}, 3},
	{[]string{"todo", "need to"}, 3},
	{[]string{"created", "added"}, 2},
	{[]string{"modified", "changed"}, 2},
	{[]string{"file", "function"}, 1},
}

// extractKey keeps the highest-scored sentences that fit the character
// budget. Packing is greedy by score (stable, not re-sorted by position).
// Returns "" when no sentence scores above zero, signalling delegation to
// the terminal strategy.
func (c *Cascade) extractKey(text string, budgetChars int) string {
	type scored struct {
		text  string
		score int
	}
	var candidates []scored
	for _, s := range splitSentences(text) {
		sc := scoreKeywords(s)
		if sc > 0 {
			candidates = append(candidates, scored{text: s, score: sc})
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	var sb strings.Builder
	for _, cand := range candidates {
		if sb.Len()+len(cand.text)+2 > budgetChars {
			if sb.Len() == 0 {
				// Even the best sentence is over budget: take its prefix.
				sb.WriteString(headBytes(cand.text, budgetChars))
			}
			break
		}
		if sb.Len() > 0 {
			sb.WriteString(". ")
		}
		sb.WriteString(cand.text)
	}
	return sb.String()
}

func scoreKeywords(sentence string) int {
	lower := strings.ToLower(sentence)
	score := 0
	for _, ks := range keywordScores {
		for _, w := range ks.words {
			if strings.Contains(lower, w) {
				score += ks.score
				break
			}
		}
	}
	if strings.Contains(sentence, "```") || strings.Contains(sentence, "`") {
		score += 2
	}
	return score
}

// aggressiveTruncate is the terminal strategy: a hard head cut at 90% of the
// budget plus an explicit marker. Always returns non-empty output.
func (c *Cascade) aggressiveTruncate(text string, budgetChars int) string {
	cut := int(float64(budgetChars) * aggressiveHeadRatio)
	if cut >= len(text) {
		return text
	}
	if cut < 1 {
		cut = 1
	}
	kept := headBytes(text, cut)
	if kept == "" {
		// A single multi-byte rune still beats empty output.
		_, size := utf8.DecodeRuneInString(text)
		kept = text[:size]
	}
	return kept + fmt.Sprintf("\n[truncated %d characters]", len(text)-len(kept))
}

// headBytes returns at most n leading bytes of text, backed off to a rune
// boundary so a cut never splits a multi-byte character.
func headBytes(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// tailBytes returns at most n trailing bytes of text, advanced to a rune
// boundary.
func tailBytes(text string, n int) string {
	if n >= len(text) {
		return text
	}
	start := len(text) - n
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			s := strings.TrimSpace(text[start : i+1])
			if len(s) > 1 {
				out = append(out, strings.TrimRight(s, ".!?\n"))
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); len(s) > 1 {
		out = append(out, s)
	}
	return out
}
