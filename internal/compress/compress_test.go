package compress_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxkit/compactor/internal/compress"
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/tokens"
)

func newCompressor(cfg compress.Config, opts ...compress.Option) *compress.Compressor {
	return compress.New(cfg, tokens.NewHeuristicCounter(), opts...)
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestClassify_ContentTypes(t *testing.T) {
	c := newCompressor(compress.Config{})

	longProse := strings.Repeat("The request flows through the router into the session layer and back. ", 4)

	tests := []struct {
		name string
		msg  history.Message
		want compress.ContentType
	}{
		{"system role short-circuits", history.NewText(history.RoleSystem, "error handling guide"), compress.ContentSystem},
		{"tool role short-circuits", history.NewText(history.RoleTool, "we decided ```code```"), compress.ContentToolResult},
		{"plain error", history.NewText(history.RoleAssistant, "Error: connection refused by upstream"), compress.ContentError},
		{"decision", history.NewText(history.RoleAssistant, "We decided to use Postgres as the main datastore."), compress.ContentDecision},
		{"command", history.NewText(history.RoleUser, "$ go build ./..."), compress.ContentCommand},
		{"long assistant prose is explanation", history.NewText(history.RoleAssistant, longProse), compress.ContentExplanation},
		{"short user chat", history.NewText(history.RoleUser, "thanks!"), compress.ContentConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify([]history.Message{tt.msg})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].ContentType)
		})
	}
}

func TestClassify_CodeWinsOverError(t *testing.T) {
	c := newCompressor(compress.Config{})

	// A fenced block that mentions an error classifies as code: the predicate
	// table is ordered and code comes first.
	msg := history.NewText(history.RoleAssistant, "Here is the failing snippet:\n```go\nreturn fmt.Errorf(\"error: %v\", err)\n```")

	got := c.Classify([]history.Message{msg})
	require.Len(t, got, 1)
	assert.Equal(t, compress.ContentCode, got[0].ContentType)
}

func TestClassify_ImportanceBoundsAndRecency(t *testing.T) {
	c := newCompressor(compress.Config{})
	messages := []history.Message{
		history.NewText(history.RoleUser, "hello there"),
		history.NewText(history.RoleAssistant, "sure thing"),
		history.NewText(history.RoleUser, "hello there"),
	}

	got := c.Classify(messages)
	require.Len(t, got, 3)
	for i, cm := range got {
		assert.GreaterOrEqual(t, cm.Importance, 0.0, "message %d", i)
		assert.LessOrEqual(t, cm.Importance, 1.0, "message %d", i)
	}
	// Same content and role: the later occurrence scores higher on recency.
	assert.Greater(t, got[2].Importance, got[0].Importance)
}

func TestClassify_PreservationRules(t *testing.T) {
	c := newCompressor(compress.Config{PreservationThreshold: 0.99})

	got := c.Classify([]history.Message{
		history.NewText(history.RoleSystem, "base instructions"),
		history.NewText(history.RoleAssistant, "a panic occurred in the worker"),
		history.NewText(history.RoleAssistant, "We decided to ship on Friday."),
		history.NewText(history.RoleUser, "ok sounds good"),
	})

	require.Len(t, got, 4)
	assert.True(t, got[0].Preserve, "system messages always survive")
	assert.True(t, got[1].Preserve, "errors always survive")
	assert.True(t, got[2].Preserve, "decisions always survive")
	assert.False(t, got[3].Preserve)
}

// =============================================================================
// COMPRESSION PIPELINE
// =============================================================================

func sessionHistory(n int) []history.Message {
	out := []history.Message{history.NewText(history.RoleSystem, "You are a coding assistant.")}
	for i := 0; len(out) < n; i++ {
		out = append(out, history.NewText(history.RoleUser,
			fmt.Sprintf("Can you look at request handler %d and tidy up the naming a little bit?", i)))
		if len(out) < n {
			out = append(out, history.NewText(history.RoleAssistant,
				fmt.Sprintf("Renamed the helpers in handler %d and tightened the parameter list as requested.", i)))
		}
	}
	return out
}

func TestCompress_WithinBudgetIsNoop(t *testing.T) {
	c := newCompressor(compress.Config{})
	messages := sessionHistory(8)

	result, err := c.Compress(context.Background(), messages, 1_000_000)
	require.NoError(t, err)

	assert.Equal(t, messages, result.Messages)
	assert.Empty(t, result.StagesApplied)
	assert.Empty(t, result.ArchiveID)
	assert.Zero(t, result.CompressionRatio)
}

func TestCompress_StagesApplyInOrderAndStopWhenFitting(t *testing.T) {
	c := newCompressor(compress.Config{WindowSize: 100, MaxToolOutputLength: 400})

	messages := sessionHistory(6)
	messages = append(messages, history.NewText(history.RoleTool, strings.Repeat("log line output ", 500)))

	// The window keeps everything; tool truncation alone brings this under.
	result, err := c.Compress(context.Background(), messages, 600)
	require.NoError(t, err)

	assert.Equal(t, []string{"sliding_window", "tool_truncation"}, result.StagesApplied)
	assert.LessOrEqual(t, result.TotalTokens, 600)
	assert.Len(t, result.Messages, len(messages), "structure preserved, no message dropped")
}

func TestCompress_ToolOutputTruncationKeepsHeadAndTail(t *testing.T) {
	c := newCompressor(compress.Config{WindowSize: 100, MaxToolOutputLength: 800})

	head := strings.Repeat("H", 3000)
	tail := strings.Repeat("T", 3000)
	body := head + "error: something exploded in the middle " + strings.Repeat("M", 4000) + tail
	messages := []history.Message{
		history.NewText(history.RoleUser, "run the tests"),
		history.NewText(history.RoleTool, body),
	}

	result, err := c.Compress(context.Background(), messages, 500)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)

	got := result.Messages[1].Content.AsText()
	// Error output stretches the 800-char cap by 1.5x.
	assert.LessOrEqual(t, len(got), 1200+60, "truncated to the error budget plus marker")
	assert.True(t, strings.HasPrefix(got, "HHHH"), "head survives")
	assert.True(t, strings.HasSuffix(got, "TTTT"), "tail survives")
	assert.Contains(t, got, "truncated")
	assert.Contains(t, got, "chars")
}

func TestCompress_SummarizationReplacesPreWindowMessages(t *testing.T) {
	c := newCompressor(compress.Config{WindowSize: 4})

	// Every message is a decision, so the window stage preserves them all and
	// only summarization can shrink the history.
	messages := make([]history.Message, 30)
	for i := range messages {
		messages[i] = history.NewText(history.RoleAssistant,
			fmt.Sprintf("We decided to use caching strategy %d for module number %d.", i, i))
	}

	result, err := c.Compress(context.Background(), messages, 150)
	require.NoError(t, err)

	assert.Contains(t, result.StagesApplied, "summarization")
	// The summary is a system message carrying extracted key information.
	var summary string
	for _, m := range result.Messages {
		if m.Role == history.RoleSystem && strings.Contains(m.Content.AsText(), "Conversation summary") {
			summary = m.Content.AsText()
		}
	}
	require.NotEmpty(t, summary, "a summary message must be injected")
}

func TestCompress_ToolTruncationKeepsValidUTF8(t *testing.T) {
	c := newCompressor(compress.Config{WindowSize: 100, MaxToolOutputLength: 400})

	// Three-byte runes with offsets arranged so both the head and the tail
	// cut would land mid-rune if taken at the raw byte offset.
	body := "log: " + strings.Repeat("ビルド出力の行", 1000) + " x"
	messages := []history.Message{
		history.NewText(history.RoleUser, "show the log"),
		history.NewText(history.RoleTool, body),
	}

	result, err := c.Compress(context.Background(), messages, 600)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)

	got := result.Messages[1].Content.AsText()
	assert.Contains(t, got, "truncated")
	assert.True(t, utf8.ValidString(got), "cuts must land on rune boundaries")
}

func TestCompress_HardTruncationKeepsWholeMessagesOnly(t *testing.T) {
	c := newCompressor(compress.Config{})

	// Every message is a preserved decision, so importance removal cannot
	// shrink the history and the terminal stage must run.
	messages := make([]history.Message, 12)
	originals := make(map[string]bool, len(messages))
	for i := range messages {
		text := fmt.Sprintf("We decided on option %d because the benchmark numbers favored it%s.",
			i, strings.Repeat(" across every dataset we measured", 8))
		messages[i] = history.NewText(history.RoleAssistant, text)
		originals[text] = true
	}

	result, err := c.Compress(context.Background(), messages, 180)
	require.NoError(t, err)

	assert.Contains(t, result.StagesApplied, "hard_truncation")
	assert.LessOrEqual(t, result.TotalTokens, 180)
	require.NotEmpty(t, result.Messages)
	for _, m := range result.Messages {
		text := m.Content.AsText()
		assert.NotContains(t, text, "[truncated]")
		if m.Role != history.RoleSystem {
			assert.True(t, originals[text], "survivors must be whole original messages: %q", text)
		}
	}
}

func TestCompress_ImportanceTieKeepsEarlierMessage(t *testing.T) {
	// Threshold above 1 so nothing is preserved and removal has free rein.
	c := newCompressor(compress.Config{WindowSize: 100, PreservationThreshold: 1.01})

	messages := []history.Message{
		history.NewText(history.RoleUser, "ok 0"),
		history.NewText(history.RoleUser, "ok 1"),
		history.NewText(history.RoleUser, "ok 2"),
		history.NewText(history.RoleUser, "ok 3"),
		history.NewText(history.RoleUser, "ok 4"),
		history.NewText(history.RoleUser, "ok 5"),
		// Both of these clamp to importance 1.0: an exact tie.
		history.NewText(history.RoleUser, "```go\nalpha()\n```"),
		history.NewText(history.RoleUser, "```go\nomega()\n```"),
	}

	result, err := c.Compress(context.Background(), messages, 12)
	require.NoError(t, err)

	assert.Contains(t, result.StagesApplied, "importance_removal")
	require.Len(t, result.Messages, 1)
	assert.Contains(t, result.Messages[0].Content.AsText(), "alpha",
		"on an importance tie the earlier message survives")
}

func TestCompress_TightBudgetAlwaysReturnsSomething(t *testing.T) {
	c := newCompressor(compress.Config{})
	messages := sessionHistory(60)

	result, err := c.Compress(context.Background(), messages, 50)
	require.NoError(t, err)

	assert.NotEmpty(t, result.Messages, "even the terminal stage never returns an empty history")
	assert.Less(t, result.TotalTokens, result.OriginalTokens)
	assert.GreaterOrEqual(t, result.CompressionRatio, 0.0)
	assert.LessOrEqual(t, result.CompressionRatio, 1.0)
}

func TestCompress_CancelledContext(t *testing.T) {
	c := newCompressor(compress.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Compress(ctx, sessionHistory(30), 50)
	assert.Error(t, err)
}

// =============================================================================
// ARCHIVE AND RECOVERY
// =============================================================================

func TestCompress_ArchiveRoundTrip(t *testing.T) {
	c := newCompressor(compress.Config{ArchiveEnabled: true, SessionID: "sess-9"})
	messages := sessionHistory(30)

	result, err := c.Compress(context.Background(), messages, 100)
	require.NoError(t, err)
	require.NotEmpty(t, result.ArchiveID)

	recovered, ok := c.RecoverContext(result.ArchiveID)
	require.True(t, ok)
	require.Len(t, recovered, len(messages))
	for i := range messages {
		assert.Equal(t, messages[i].Role, recovered[i].Role)
		assert.Equal(t, messages[i].Content.AsText(), recovered[i].Content.AsText())
	}
}

func TestRecoverContext_EmptyIDReturnsLatest(t *testing.T) {
	c := newCompressor(compress.Config{ArchiveEnabled: true})

	first := sessionHistory(20)
	second := sessionHistory(24)

	_, err := c.Compress(context.Background(), first, 80)
	require.NoError(t, err)
	_, err = c.Compress(context.Background(), second, 80)
	require.NoError(t, err)

	recovered, ok := c.RecoverContext("")
	require.True(t, ok)
	assert.Len(t, recovered, len(second), "latest snapshot wins")
}

func TestRecoverContext_UnknownID(t *testing.T) {
	c := newCompressor(compress.Config{ArchiveEnabled: true})

	_, ok := c.RecoverContext("no-such-archive")
	assert.False(t, ok)
}

func TestCompress_ArchiveRingBounded(t *testing.T) {
	c := newCompressor(compress.Config{ArchiveEnabled: true, MaxArchives: 2})

	var lastID string
	for i := 0; i < 5; i++ {
		result, err := c.Compress(context.Background(), sessionHistory(20+i), 80)
		require.NoError(t, err)
		lastID = result.ArchiveID
	}

	assert.Equal(t, 2, c.ArchiveCount(), "oldest snapshots are evicted")
	_, ok := c.RecoverContext(lastID)
	assert.True(t, ok, "the newest snapshot must still be present")
}

func TestRecoverContext_ReturnsFreshCopyEachCall(t *testing.T) {
	c := newCompressor(compress.Config{ArchiveEnabled: true})
	_, err := c.Compress(context.Background(), sessionHistory(20), 80)
	require.NoError(t, err)

	a, ok := c.RecoverContext("")
	require.True(t, ok)
	b, ok := c.RecoverContext("")
	require.True(t, ok)

	// Mutating one recovered copy must not leak into the next.
	a[0] = history.NewText(history.RoleUser, "tampered")
	assert.NotEqual(t, "tampered", b[0].Content.AsText())
}
