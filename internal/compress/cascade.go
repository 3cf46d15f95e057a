// Cascade stages for the enhanced compressor.
//
// Each stage takes the classified history and the token target and returns
// a reduced history. Stages are ordered least to most destructive; the
// caller runs the next one only while still over budget.
package compress

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ctxkit/compactor/internal/history"
)

// Truncation multipliers for stage b: errors and code keep more of their
// text than generic tool output.
const (
	errorOutputFactor = 1.5
	codeOutputFactor  = 1.2
)

// Head/tail split for truncated tool output.
const (
	truncHeadShare = 0.6
	truncTailShare = 0.3
)

// ====================================================================
// Stage a: sliding window + overlap
// ====================================================================

// stageSlidingWindow keeps the most recent WindowSize messages verbatim,
// an OverlapSize transition zone just before them, and every preserved
// message regardless of position. Dropped messages are optionally replaced
// by a single flow-summary system message at the front.
func (c *Compressor) stageSlidingWindow(msgs []ClassifiedMessage, _ int, _ KeyInformation) []ClassifiedMessage {
	keepFrom := len(msgs) - c.cfg.WindowSize - c.cfg.OverlapSize
	if keepFrom <= 0 {
		return msgs
	}

	var kept []ClassifiedMessage
	var dropped []ClassifiedMessage
	for i, cm := range msgs {
		if i >= keepFrom || cm.Preserve {
			kept = append(kept, cm)
		} else {
			dropped = append(dropped, cm)
		}
	}
	if len(dropped) == 0 {
		return msgs
	}

	if c.cfg.FlowSummary {
		flow := c.newSystemNote(c.flowSummary(dropped))
		kept = append([]ClassifiedMessage{flow}, kept...)
	}
	return kept
}

// flowSummary describes what the window dropped, so the model keeps a sense
// of conversational continuity.
func (c *Compressor) flowSummary(dropped []ClassifiedMessage) string {
	byRole := make(map[history.Role]int)
	byType := make(map[ContentType]int)
	for _, cm := range dropped {
		byRole[cm.Message.Role]++
		byType[cm.ContentType]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Earlier conversation: %d messages omitted", len(dropped))
	var parts []string
	for _, role := range []history.Role{history.RoleUser, history.RoleAssistant, history.RoleTool, history.RoleSystem} {
		if n := byRole[role]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, role))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if n := byType[ContentCode]; n > 0 {
		fmt.Fprintf(&b, "; %d contained code", n)
	}
	if n := byType[ContentError]; n > 0 {
		fmt.Fprintf(&b, "; %d contained errors", n)
	}
	b.WriteString("]")
	return b.String()
}

// ====================================================================
// Stage b: content-aware tool-output truncation
// ====================================================================

// stageToolTruncation trims oversized tool results. The character budget
// stretches for content worth keeping: error output gets 1.5x, code 1.2x.
// Text keeps a head and tail around a removal marker; structured payloads
// are patched block by block so their JSON stays valid.
func (c *Compressor) stageToolTruncation(msgs []ClassifiedMessage, _ int, _ KeyInformation) []ClassifiedMessage {
	out := make([]ClassifiedMessage, len(msgs))
	for i, cm := range msgs {
		out[i] = cm
		if cm.ContentType != ContentToolResult {
			continue
		}
		limit := c.toolOutputLimit(cm.Message.Content.AsText())
		if cm.Message.Content.Len() <= limit {
			continue
		}

		if cm.Message.Content.Kind() == history.ContentStructured {
			out[i] = c.reclassify(cm, history.Structured(truncateStructured(cm.Message.Content.Raw(), limit)))
		} else {
			out[i] = c.reclassify(cm, history.Text(truncateHeadTail(cm.Message.Content.AsText(), limit)))
		}
	}
	return out
}

// toolOutputLimit computes the character cap for one tool result.
func (c *Compressor) toolOutputLimit(text string) int {
	limit := float64(c.cfg.MaxToolOutputLength)
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "traceback"):
		limit *= errorOutputFactor
	case strings.Contains(text, "```") || strings.Contains(lower, "diff --git"):
		limit *= codeOutputFactor
	}
	return int(limit)
}

// truncateHeadTail keeps 60% of the budget from the head and 30% from the
// tail with a marker noting how much was removed. Cut points back off to
// rune boundaries so multi-byte characters are never split.
func truncateHeadTail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	head := headBytes(text, int(float64(limit)*truncHeadShare))
	tail := tailBytes(text, int(float64(limit)*truncTailShare))
	removed := len(text) - len(head) - len(tail)
	return head + fmt.Sprintf("\n[... truncated %d chars ...]\n", removed) + tail
}

// headBytes returns at most n leading bytes of text, ending on a rune
// boundary.
func headBytes(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// tailBytes returns at most n trailing bytes of text, starting on a rune
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

// truncateStructured patches long "text" fields inside a block-array payload
// in place. The block structure survives; only text shrinks. On any parse
// failure the payload is returned unchanged.
func truncateStructured(raw []byte, limit int) []byte {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return raw
	}
	blocks := parsed.Array()
	if len(blocks) == 0 {
		return raw
	}
	perBlock := limit / len(blocks)
	if perBlock < 1 {
		perBlock = 1
	}

	out := raw
	for i, block := range blocks {
		text := block.Get("text")
		if !text.Exists() || len(text.String()) <= perBlock {
			continue
		}
		patched, err := sjson.SetBytes(out, fmt.Sprintf("%d.text", i), truncateHeadTail(text.String(), perBlock))
		if err != nil {
			return raw
		}
		out = patched
	}
	return out
}

// ====================================================================
// Stage c: intelligent summarization
// ====================================================================

// stageSummarization replaces everything before the recency window with a
// single system message seeded from the key information extracted before
// any stage dropped content. Preserved messages are folded into the
// summary too: at this point in the cascade the budget outweighs them.
func (c *Compressor) stageSummarization(msgs []ClassifiedMessage, _ int, info KeyInformation) []ClassifiedMessage {
	keepFrom := len(msgs) - c.cfg.WindowSize
	if keepFrom <= 1 {
		return msgs
	}

	summary := c.newSystemNote(c.buildSummary(msgs[:keepFrom], info))
	out := make([]ClassifiedMessage, 0, len(msgs)-keepFrom+1)
	out = append(out, summary)
	out = append(out, msgs[keepFrom:]...)
	return out
}

// buildSummary assembles the summary sections. Each section is bounded by
// MaxSummaryTokens so one noisy category cannot crowd out the rest.
func (c *Compressor) buildSummary(replaced []ClassifiedMessage, info KeyInformation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Conversation summary: %d earlier messages]\n", len(replaced))

	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		text := "- " + strings.Join(lines, "\n- ")
		b.WriteString("\n" + title + ":\n" + c.capToTokens(text) + "\n")
	}

	section("Decisions", extractTexts(info.Decisions))
	section("Errors encountered", extractTexts(info.Errors))
	section("Files modified", info.UniqueFiles())
	section("Tools used", dedupe(extractTexts(info.ToolCalls)))
	return strings.TrimRight(b.String(), "\n")
}

// capToTokens trims text to MaxSummaryTokens using the configured counter.
func (c *Compressor) capToTokens(text string) string {
	if c.counter.CountText(text, c.cfg.Model) <= c.cfg.MaxSummaryTokens {
		return text
	}
	// Estimate a character budget from the measured density, then cut on a
	// line boundary so no bullet is left half-written.
	charsPerToken := float64(len(text)) / float64(c.counter.CountText(text, c.cfg.Model))
	budget := int(charsPerToken * float64(c.cfg.MaxSummaryTokens))
	if budget >= len(text) {
		budget = len(text) - 1
	}
	if budget < 1 {
		budget = 1
	}
	cut := strings.LastIndexByte(headBytes(text, budget), '\n')
	if cut >= 1 {
		return text[:cut]
	}
	return headBytes(text, budget)
}

func extractTexts(extracts []Extract) []string {
	out := make([]string, len(extracts))
	for i, e := range extracts {
		out[i] = e.Text
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ====================================================================
// Stage d: importance-based removal
// ====================================================================

// stageImportanceRemoval drops the least important non-preserved messages
// until the history fits, then restores original order. Preserved messages
// are untouchable here; if they alone exceed the budget the terminal stage
// handles it.
func (c *Compressor) stageImportanceRemoval(msgs []ClassifiedMessage, targetTokens int, _ KeyInformation) []ClassifiedMessage {
	total := c.totalTokens(msgs)
	if total <= targetTokens {
		return msgs
	}

	// Candidates sorted least important first; ties break toward removing
	// the later message, so of two equals the earlier one survives.
	candidates := make([]ClassifiedMessage, 0, len(msgs))
	for _, cm := range msgs {
		if !cm.Preserve {
			candidates = append(candidates, cm)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance < candidates[j].Importance
		}
		return candidates[i].Index > candidates[j].Index
	})

	removed := make(map[int]bool)
	for _, cm := range candidates {
		if total <= targetTokens {
			break
		}
		removed[cm.Index] = true
		total -= cm.TokenCount
	}

	out := make([]ClassifiedMessage, 0, len(msgs)-len(removed))
	for _, cm := range msgs {
		if !removed[cm.Index] {
			out = append(out, cm)
		}
	}
	return out
}

// ====================================================================
// Stage e: hard truncation (terminal)
// ====================================================================

// stageHardTruncation is the last resort: it walks backwards from the
// newest message, keeping whole messages while they fit. The first message
// that does not fit ends the walk, so the output is a contiguous recent
// suffix and never contains partial content. When not even the newest
// message fits it is kept whole anyway; the stage may overshoot a
// sub-message budget but never returns an empty history.
func (c *Compressor) stageHardTruncation(msgs []ClassifiedMessage, targetTokens int, _ KeyInformation) []ClassifiedMessage {
	if len(msgs) == 0 {
		return msgs
	}
	var kept []ClassifiedMessage
	budget := targetTokens
	for i := len(msgs) - 1; i >= 0; i-- {
		cm := msgs[i]
		if cm.TokenCount > budget {
			break
		}
		kept = append(kept, cm)
		budget -= cm.TokenCount
	}
	if len(kept) == 0 {
		return []ClassifiedMessage{msgs[len(msgs)-1]}
	}
	// kept was built newest first.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// ====================================================================
// Helpers
// ====================================================================

// reclassify rebuilds a classified message after its content changed.
func (c *Compressor) reclassify(cm ClassifiedMessage, content history.Content) ClassifiedMessage {
	cm.Message.Content = content
	cm.TokenCount = c.counter.CountMessage(cm.Message, c.cfg.Model)
	return cm
}

// newSystemNote wraps generated text as a preserved system message. Index
// -1 sorts it ahead of every real message.
func (c *Compressor) newSystemNote(text string) ClassifiedMessage {
	msg := history.NewText(history.RoleSystem, text)
	return ClassifiedMessage{
		Message:     msg,
		Index:       -1,
		ContentType: ContentSystem,
		Importance:  1,
		Preserve:    true,
		TokenCount:  c.counter.CountMessage(msg, c.cfg.Model),
	}
}
