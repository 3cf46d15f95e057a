package tokens_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/tokens"
)

func TestHeuristicCounter_CountText(t *testing.T) {
	c := tokens.NewHeuristicCounter()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"exact multiple", "abcd", 1},
		{"five chars rounds up", "abcde", 2},
		{"longer text", "the quick brown fox jumps", 7}, // 25 chars
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.CountText(tt.text, "any-model"))
		})
	}
}

func TestHeuristicCounter_CountMessage_IncludesOverheadAndToolCalls(t *testing.T) {
	c := tokens.NewHeuristicCounter()

	plain := history.NewText(history.RoleUser, "abcdefgh") // 2 tokens + 4 overhead
	assert.Equal(t, 6, c.CountMessage(plain, ""))

	withTool := history.Message{
		Role:    history.RoleAssistant,
		Content: history.Text("abcd"), // 1 token
		ToolCalls: []history.ToolCall{
			{Name: "bash", Args: json.RawMessage(`{"cmd":"ls"}`)}, // 1 + 3 tokens
		},
	}
	assert.Equal(t, 4+1+1+3, c.CountMessage(withTool, ""))
}

func TestCountMessages_SumsAll(t *testing.T) {
	c := tokens.NewHeuristicCounter()
	messages := []history.Message{
		history.NewText(history.RoleUser, "abcd"),
		history.NewText(history.RoleAssistant, "abcdefgh"),
	}

	want := c.CountMessage(messages[0], "") + c.CountMessage(messages[1], "")
	assert.Equal(t, want, tokens.CountMessages(c, messages, ""))
	assert.Equal(t, 0, tokens.CountMessages(c, nil, ""))
}
