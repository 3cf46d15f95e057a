// Message classification and importance scoring.
//
// DESIGN: Classification is an ordered table of (predicate, contentType)
// pairs evaluated top to bottom, first match wins. The order is part of the
// contract: text matching several families (a fenced code block mentioning
// "error") classifies by whichever predicate comes first: code before
// error. Reordering the table changes observable behavior.
package compress

import (
	"regexp"

	"github.com/ctxkit/compactor/internal/history"
)

// ContentType labels what a message's content is about.
type ContentType string

const (
	ContentSystem       ContentType = "system"
	ContentError        ContentType = "error"
	ContentDecision     ContentType = "decision"
	ContentCode         ContentType = "code"
	ContentCommand      ContentType = "command"
	ContentFileContent  ContentType = "file_content"
	ContentToolResult   ContentType = "tool_result"
	ContentExplanation  ContentType = "explanation"
	ContentConversation ContentType = "conversation"
)

// ClassifiedMessage pairs a message with its derived classification.
// Derived, recomputed per compression call, never persisted.
type ClassifiedMessage struct {
	Message     history.Message
	Index       int // position in the original history
	ContentType ContentType
	Importance  float64 // ∈ [0,1]
	Preserve    bool
	TokenCount  int
}

// classifierRule is one row of the ordered predicate table.
type classifierRule struct {
	pattern     *regexp.Regexp
	contentType ContentType
}

// classifierTable: evaluation order is code, error, decision, file, command.
var classifierTable = []classifierRule{
	{regexp.MustCompile("(?s)```.*```|(?m)^\\s{4,}\\S.*\\n\\s{4,}\\S"), ContentCode},
	{regexp.MustCompile(`(?i)\b(error|exception|traceback|panic|fatal|failed)\b`), ContentError},
	{regexp.MustCompile(`(?i)\b(decided|decision|chose|we will|let's go with|agreed)\b`), ContentDecision},
	{regexp.MustCompile(`(?i)\b(created|modified|updated|deleted|wrote)\b.{0,80}?[\w./-]+\.\w{1,8}|(?m)^diff --git`), ContentFileContent},
	{regexp.MustCompile(`(?m)^\s*[$#]\s+\S|(?i)\b(ran command|executing|npm run|go build|git (commit|push|pull))\b`), ContentCommand},
}

// explanationMinLen: assistant prose at or above this length counts as an
// explanation rather than small talk.
const explanationMinLen = 200

// Importance scoring weights.
const (
	importanceBase     = 0.5
	recencyBonusMax    = 0.3
	systemRoleBonus    = 0.2
	userRoleBonus      = 0.1
	longMessagePenalty = 0.1
	longMessageChars   = 5000
)

// contentTypeBonus per classified type.
var contentTypeBonus = map[ContentType]float64{
	ContentSystem:       0.3,
	ContentError:        0.25,
	ContentDecision:     0.2,
	ContentCode:         0.15,
	ContentCommand:      0.1,
	ContentFileContent:  0.1,
	ContentToolResult:   0.05,
	ContentExplanation:  0.05,
	ContentConversation: 0.03,
}

// classifyContent resolves a message's content type. Roles short-circuit:
// system messages are ContentSystem, tool messages ContentToolResult,
// before any text pattern is consulted.
func classifyContent(msg history.Message) ContentType {
	switch msg.Role {
	case history.RoleSystem:
		return ContentSystem
	case history.RoleTool:
		return ContentToolResult
	}

	text := msg.Content.AsText()
	for _, rule := range classifierTable {
		if rule.pattern.MatchString(text) {
			return rule.contentType
		}
	}
	if msg.Role == history.RoleAssistant && len(text) >= explanationMinLen {
		return ContentExplanation
	}
	return ContentConversation
}

// scoreImportance computes the [0,1] importance of the message at position
// index out of total. Recency contributes linearly: the newest message gets
// the full bonus, the oldest none.
func scoreImportance(msg history.Message, contentType ContentType, index, total int) float64 {
	score := importanceBase

	if total > 1 {
		score += recencyBonusMax * float64(index) / float64(total-1)
	}
	score += contentTypeBonus[contentType]

	switch msg.Role {
	case history.RoleSystem:
		score += systemRoleBonus
	case history.RoleUser:
		score += userRoleBonus
	}

	if msg.Content.Len() > longMessageChars {
		score -= longMessagePenalty
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Classify derives the classification for every message in the history.
// Exposed so hosts can inspect importance and preservation decisions without
// running a compression.
func (c *Compressor) Classify(messages []history.Message) []ClassifiedMessage {
	return c.classifyAll(messages)
}

// classifyAll classifies every message in the history.
func (c *Compressor) classifyAll(messages []history.Message) []ClassifiedMessage {
	out := make([]ClassifiedMessage, len(messages))
	for i, msg := range messages {
		ct := classifyContent(msg)
		imp := scoreImportance(msg, ct, i, len(messages))
		out[i] = ClassifiedMessage{
			Message:     msg,
			Index:       i,
			ContentType: ct,
			Importance:  imp,
			Preserve:    c.shouldPreserve(msg, ct, imp),
			TokenCount:  c.counter.CountMessage(msg, c.cfg.Model),
		}
	}
	return out
}

// shouldPreserve marks messages that survive window-based dropping: high
// importance, errors, decisions, and anything the system said.
func (c *Compressor) shouldPreserve(msg history.Message, ct ContentType, importance float64) bool {
	if importance >= c.cfg.PreservationThreshold {
		return true
	}
	if ct == ContentError || ct == ContentDecision {
		return true
	}
	return msg.Role == history.RoleSystem
}
