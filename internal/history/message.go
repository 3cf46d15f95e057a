// Package history defines the conversation message model shared by both
// compaction pipelines.
//
// DESIGN: Messages are immutable once appended to a history. Every operation
// in this module produces NEW message slices; nothing mutates a message in
// place. Content is a tagged union: plain text or a structured JSON payload
// (tool results, multi-part content). Formatting for summarization is a
// single exhaustive switch over the two cases.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ContentKind discriminates the content union.
type ContentKind int

const (
	// ContentText is plain text content.
	ContentText ContentKind = iota
	// ContentStructured is a raw JSON payload (tool result blocks, etc.).
	ContentStructured
)

// Content is a tagged union of plain text and structured JSON content.
// The zero value is empty text.
type Content struct {
	kind       ContentKind
	text       string
	structured json.RawMessage
}

// Text creates plain text content.
func Text(s string) Content {
	return Content{kind: ContentText, text: s}
}

// Structured creates structured JSON content. The payload is stored as-is.
func Structured(raw json.RawMessage) Content {
	return Content{kind: ContentStructured, structured: raw}
}

// Kind returns the content discriminator.
func (c Content) Kind() ContentKind { return c.kind }

// Raw returns the structured payload, or nil for text content.
func (c Content) Raw() json.RawMessage { return c.structured }

// AsText flattens content into plain text. For structured payloads it
// collects every "text" and "content" string field (recursively for arrays
// of content blocks), which covers the Anthropic and OpenAI block shapes.
func (c Content) AsText() string {
	switch c.kind {
	case ContentText:
		return c.text
	case ContentStructured:
		return flattenStructured(c.structured)
	}
	return ""
}

// Len returns the length in bytes of the flattened text for ContentText and
// of the raw payload for ContentStructured. Used for length-based heuristics
// where the serialized size is what counts against the budget.
func (c Content) Len() int {
	if c.kind == ContentStructured {
		return len(c.structured)
	}
	return len(c.text)
}

func flattenStructured(raw json.RawMessage) string {
	parsed := gjson.ParseBytes(raw)

	// Array of content blocks: [{"type":"text","text":"..."}, ...]
	if parsed.IsArray() {
		var parts []string
		parsed.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			} else if ct := block.Get("content"); ct.Exists() && ct.Type == gjson.String {
				parts = append(parts, ct.String())
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return parsed.Raw
	}

	// Single object with a text or content field.
	if t := parsed.Get("text"); t.Exists() {
		return t.String()
	}
	if ct := parsed.Get("content"); ct.Exists() && ct.Type == gjson.String {
		return ct.String()
	}
	return parsed.Raw
}

// ToolCall records a tool invocation attached to an assistant message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is a single conversation entry.
type Message struct {
	Role      Role
	Content   Content
	ToolCalls []ToolCall
}

// NewText is shorthand for a plain-text message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Content: Text(text)}
}

// Clone returns a deep copy of the message. Archive snapshots rely on this
// to be independent of any later slice reuse by the caller.
func (m Message) Clone() Message {
	out := Message{Role: m.Role}
	switch m.Content.kind {
	case ContentText:
		out.Content = Text(m.Content.text)
	case ContentStructured:
		raw := make(json.RawMessage, len(m.Content.structured))
		copy(raw, m.Content.structured)
		out.Content = Structured(raw)
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name}
			if len(tc.Args) > 0 {
				args := make(json.RawMessage, len(tc.Args))
				copy(args, tc.Args)
				out.ToolCalls[i].Args = args
			}
		}
	}
	return out
}

// CloneAll deep-copies a message slice.
func CloneAll(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// Format renders a message as role-tagged text for summarization input.
func (m Message) Format() string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(string(m.Role)))
	sb.WriteString(": ")
	sb.WriteString(m.Content.AsText())
	for _, tc := range m.ToolCalls {
		sb.WriteString(fmt.Sprintf("\n[tool call: %s]", tc.Name))
	}
	return sb.String()
}

// FormatAll renders a history as role-tagged text, one message per block.
func FormatAll(messages []Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Format()
	}
	return strings.Join(parts, "\n\n")
}

// =============================================================================
// JSONL TRANSCRIPT CODEC (CLI surface)
// =============================================================================

// wireMessage is the JSONL representation of a message. Content may be a JSON
// string (text) or any other JSON value (structured).
type wireMessage struct {
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
}

// DecodeJSONL reads a transcript with one JSON message per line.
// Blank lines are skipped. An unknown role is an error.
func DecodeJSONL(r io.Reader) ([]Message, error) {
	var messages []Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal([]byte(raw), &wm); err != nil {
			return nil, fmt.Errorf("line %d: invalid message: %w", line, err)
		}
		if !wm.Role.Valid() {
			return nil, fmt.Errorf("line %d: unknown role %q", line, wm.Role)
		}
		msg := Message{Role: wm.Role, ToolCalls: wm.ToolCalls}
		var text string
		if json.Unmarshal(wm.Content, &text) == nil {
			msg.Content = Text(text)
		} else {
			msg.Content = Structured(wm.Content)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return messages, nil
}

// EncodeJSONL writes messages in the same one-per-line format DecodeJSONL reads.
func EncodeJSONL(w io.Writer, messages []Message) error {
	enc := json.NewEncoder(w)
	for i, m := range messages {
		wm := wireMessage{Role: m.Role, ToolCalls: m.ToolCalls}
		switch m.Content.kind {
		case ContentText:
			b, err := json.Marshal(m.Content.text)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			wm.Content = b
		case ContentStructured:
			wm.Content = m.Content.structured
		}
		if err := enc.Encode(wm); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}
