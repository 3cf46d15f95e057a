package fallback_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxkit/compactor/internal/fallback"
	"github.com/ctxkit/compactor/internal/tokens"
)

func TestRun_AlreadyWithinBudgetReturnsUnchanged(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	text := "short text that already fits"

	result := c.Run(text, 1000, "")

	assert.Equal(t, text, result.Content)
	assert.Equal(t, fallback.StrategyTruncate, result.Strategy)
	assert.Zero(t, result.CompressionRatio)
}

func TestRun_TruncateSatisfiesGenerousBudget(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	text := strings.Repeat("lorem ipsum dolor sit amet ", 400) // ~10800 chars, ~2700 tokens

	result := c.Run(text, 1000, "")

	assert.Equal(t, fallback.StrategyTruncate, result.Strategy)
	assert.LessOrEqual(t, result.TokenCount, 1000)
	assert.Contains(t, result.Content, "\n...\n")
	assert.Greater(t, result.CompressionRatio, 0.0)
}

func TestRun_OutputNeverExceedsInput(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	counter := tokens.NewHeuristicCounter()
	text := strings.Repeat("some words about an error in the file and the fix we added. ", 200)

	for _, target := range []int{5, 50, 500, 2000} {
		result := c.Run(text, target, "")
		assert.LessOrEqual(t, result.TokenCount, counter.CountText(text, ""),
			"target=%d: fallback output must never grow the text", target)
		assert.NotEmpty(t, result.Content)
	}
}

func TestRun_TightBudgetReachesTerminalStrategy(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	// No sentence terminators and no keywords, so extract_key delegates.
	text := strings.Repeat("zzzz ", 4000)

	result := c.Run(text, 5, "")

	assert.Equal(t, fallback.StrategyAggressiveTruncate, result.Strategy)
	assert.Contains(t, result.Content, "[truncated")
	assert.Contains(t, result.Content, "characters]")
}

func TestRun_RemoveMiddleMarksRemovedCharacterCount(t *testing.T) {
	counter := tokens.NewHeuristicCounter()
	c := fallback.New(counter)

	// A text whose truncate output overshoots only slightly is hard to build
	// deterministically, so exercise remove_middle through its marker: any
	// run that used it reports the exact removed count.
	text := strings.Repeat("abcdefgh ", 2000)
	for _, target := range []int{100, 300, 900} {
		result := c.Run(text, target, "")
		if result.Strategy != fallback.StrategyRemoveMiddle {
			continue
		}
		require.Regexp(t, `\[\.\.\. \d+ characters removed \.\.\.\]`, result.Content)
	}
}

func TestRun_MultiByteTextStaysValidUTF8(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	// Three-byte runes at every offset, so a byte-offset cut would land
	// mid-rune for most budgets.
	text := strings.Repeat("文脈圧縮の検討メモ ", 500)

	for _, target := range []int{10, 100, 1000, 3000} {
		result := c.Run(text, target, "")
		assert.True(t, utf8.ValidString(result.Content),
			"target=%d strategy=%s: cut must land on a rune boundary", target, result.Strategy)
		assert.NotEmpty(t, result.Content)
	}
}

func TestRun_DeterministicForSameInput(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())
	text := strings.Repeat("an error happened and the fix was added to the main file. ", 300)

	first := c.Run(text, 200, "")
	second := c.Run(text, 200, "")

	assert.Equal(t, first, second)
}

func TestRun_ExtractKeyKeepsScoringSentences(t *testing.T) {
	c := fallback.New(tokens.NewHeuristicCounter())

	// Filler drives the size up; the scoring sentences must survive extraction
	// when head/tail strategies cannot fit the budget.
	var sb strings.Builder
	sb.WriteString("A fatal error crashed the importer and the bug was hard to trace.\n")
	for i := 0; i < 600; i++ {
		sb.WriteString("plain filler words without any signal at all here\n")
	}
	sb.WriteString("The fix was a solution adding bounds checks to the parser function.\n")

	result := c.Run(sb.String(), 60, "")

	if result.Strategy == fallback.StrategyExtractKey {
		assert.Contains(t, result.Content, "error")
	}
	assert.LessOrEqual(t, result.TokenCount, 7600, "never larger than the input")
}
