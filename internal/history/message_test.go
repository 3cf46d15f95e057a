package history_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxkit/compactor/internal/history"
)

func TestContent_AsText_FlattensBlockArray(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","text":"first"},{"type":"text","text":"second"}]`)
	c := history.Structured(raw)

	assert.Equal(t, "first\nsecond", c.AsText())
}

func TestContent_AsText_SingleObjectWithText(t *testing.T) {
	c := history.Structured(json.RawMessage(`{"type":"tool_result","text":"output here"}`))
	assert.Equal(t, "output here", c.AsText())
}

func TestContent_AsText_UnrecognizedShapeFallsBackToRaw(t *testing.T) {
	raw := `{"custom":42}`
	c := history.Structured(json.RawMessage(raw))
	assert.Equal(t, raw, c.AsText())
}

func TestMessage_Clone_IsIndependent(t *testing.T) {
	raw := json.RawMessage(`[{"text":"payload"}]`)
	msg := history.Message{
		Role:    history.RoleAssistant,
		Content: history.Structured(raw),
		ToolCalls: []history.ToolCall{
			{ID: "t1", Name: "read_file", Args: json.RawMessage(`{"path":"a.go"}`)},
		},
	}

	clone := msg.Clone()

	// Mutating the original's backing arrays must not affect the clone.
	raw[2] = 'X'
	msg.ToolCalls[0].Args[2] = 'X'

	assert.Equal(t, `[{"text":"payload"}]`, string(clone.Content.Raw()))
	assert.Equal(t, `{"path":"a.go"}`, string(clone.ToolCalls[0].Args))
}

func TestMessage_Format_IncludesRoleAndToolCalls(t *testing.T) {
	msg := history.Message{
		Role:      history.RoleAssistant,
		Content:   history.Text("running the build"),
		ToolCalls: []history.ToolCall{{ID: "t1", Name: "bash"}},
	}

	got := msg.Format()
	assert.Equal(t, "ASSISTANT: running the build\n[tool call: bash]", got)
}

func TestDecodeJSONL_TextAndStructured(t *testing.T) {
	input := strings.Join([]string{
		`{"role":"user","content":"hello"}`,
		``,
		`{"role":"tool","content":[{"type":"text","text":"result"}]}`,
	}, "\n")

	messages, err := history.DecodeJSONL(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, history.RoleUser, messages[0].Role)
	assert.Equal(t, history.ContentText, messages[0].Content.Kind())
	assert.Equal(t, "hello", messages[0].Content.AsText())

	assert.Equal(t, history.RoleTool, messages[1].Role)
	assert.Equal(t, history.ContentStructured, messages[1].Content.Kind())
	assert.Equal(t, "result", messages[1].Content.AsText())
}

func TestDecodeJSONL_UnknownRole(t *testing.T) {
	_, err := history.DecodeJSONL(strings.NewReader(`{"role":"robot","content":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestEncodeDecodeJSONL_RoundTrip(t *testing.T) {
	original := []history.Message{
		history.NewText(history.RoleSystem, "you are helpful"),
		{
			Role:      history.RoleAssistant,
			Content:   history.Text("calling a tool"),
			ToolCalls: []history.ToolCall{{ID: "c1", Name: "grep", Args: json.RawMessage(`{"q":"x"}`)}},
		},
		{Role: history.RoleTool, Content: history.Structured(json.RawMessage(`[{"text":"match"}]`))},
	}

	var buf bytes.Buffer
	require.NoError(t, history.EncodeJSONL(&buf, original))

	decoded, err := history.DecodeJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(original))
	for i := range original {
		assert.Equal(t, original[i].Role, decoded[i].Role, "message %d role", i)
		assert.Equal(t, original[i].Content.AsText(), decoded[i].Content.AsText(), "message %d content", i)
	}
	assert.Equal(t, "grep", decoded[1].ToolCalls[0].Name)
}
