// Key information extraction.
//
// Runs over the full history before any stage drops content, so later
// summaries can be seeded from it. Not authoritative memory; that is the
// memory flush's job; this only feeds summary text.
package compress

import (
	"regexp"
	"strings"

	"github.com/ctxkit/compactor/internal/history"
)

// KeyInformation aggregates decision-relevant records, each tagged with the
// index of its source message.
type KeyInformation struct {
	Decisions     []Extract
	Errors        []Extract
	ModifiedFiles []Extract
	CodeBlocks    []Extract
	ToolCalls     []Extract
}

// Extract is one extracted record.
type Extract struct {
	MessageIndex int
	Text         string
}

var (
	keyDecisionRe = regexp.MustCompile(`(?im)^.*\b(decided|decision|chose|we will|agreed)\b.*$`)
	keyErrorRe    = regexp.MustCompile(`(?im)^.*\b(error|exception|failed|panic)\b.*$`)
	keyFileRe     = regexp.MustCompile(`(?i)\b(?:created|modified|updated|deleted|wrote|edited)\b[^\n]{0,100}?([\w./-]+\.\w{1,8})`)
	keyCodeRe     = regexp.MustCompile("(?s)```\\w*\\n(.*?)```")
)

// extractLimit caps records kept per category per message.
const extractLimit = 3

// maxExtractLen truncates individual extracts.
const maxExtractLen = 300

// ExtractKeyInformation pattern-matches every message for decisions, errors,
// file operations, code blocks, and tool calls.
func ExtractKeyInformation(messages []history.Message) KeyInformation {
	var info KeyInformation
	for i, msg := range messages {
		text := msg.Content.AsText()

		for _, m := range keyDecisionRe.FindAllString(text, extractLimit) {
			info.Decisions = append(info.Decisions, Extract{i, clip(m)})
		}
		for _, m := range keyErrorRe.FindAllString(text, extractLimit) {
			info.Errors = append(info.Errors, Extract{i, clip(m)})
		}
		for _, groups := range keyFileRe.FindAllStringSubmatch(text, extractLimit) {
			info.ModifiedFiles = append(info.ModifiedFiles, Extract{i, groups[1]})
		}
		for _, groups := range keyCodeRe.FindAllStringSubmatch(text, extractLimit) {
			info.CodeBlocks = append(info.CodeBlocks, Extract{i, clip(groups[1])})
		}
		for _, tc := range msg.ToolCalls {
			info.ToolCalls = append(info.ToolCalls, Extract{i, tc.Name})
		}
	}
	return info
}

// UniqueFiles returns the deduplicated modified-file names in first-seen order.
func (k KeyInformation) UniqueFiles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range k.ModifiedFiles {
		if !seen[f.Text] {
			seen[f.Text] = true
			out = append(out, f.Text)
		}
	}
	return out
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxExtractLen {
		return s[:maxExtractLen]
	}
	return s
}
