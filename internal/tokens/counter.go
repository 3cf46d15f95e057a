// Package tokens provides model-aware token counting for compaction budgets.
//
// DESIGN: Counting is a pure function of (text, model). Both pipelines take a
// Counter via constructor injection so tests can substitute a deterministic
// implementation. The default counter uses tiktoken BPE encodings and falls
// back to a chars/4 heuristic for models without a known encoding, good
// enough for budget thresholds, not for billing.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ctxkit/compactor/internal/history"
)

// messageOverhead approximates the per-message wire framing cost
// (role tag, separators) in tokens.
const messageOverhead = 4

// heuristicCharsPerToken is the chars/token ratio used when no BPE encoding
// is available. English prose averages ~4 chars per token.
const heuristicCharsPerToken = 4

// Counter counts tokens for budget decisions. Implementations must be
// deterministic and safe for concurrent use.
type Counter interface {
	// CountText returns the token count of text under the given model.
	CountText(text, model string) int

	// CountMessage returns the token count of a message, including framing
	// overhead and tool calls.
	CountMessage(msg history.Message, model string) int
}

// CountMessages sums CountMessage over a slice.
func CountMessages(c Counter, messages []history.Message, model string) int {
	total := 0
	for _, m := range messages {
		total += c.CountMessage(m, model)
	}
	return total
}

// TiktokenCounter counts tokens using tiktoken BPE encodings, caching one
// encoding per model. Models with no known encoding fall back to cl100k_base,
// then to the chars/4 heuristic.
type TiktokenCounter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter with an empty encoding cache.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountText implements Counter.
func (c *TiktokenCounter) CountText(text, model string) int {
	if text == "" {
		return 0
	}
	enc := c.encodingFor(model)
	if enc == nil {
		return heuristicCount(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessage implements Counter.
func (c *TiktokenCounter) CountMessage(msg history.Message, model string) int {
	total := messageOverhead
	total += c.CountText(msg.Content.AsText(), model)
	for _, tc := range msg.ToolCalls {
		total += c.CountText(tc.Name, model)
		total += c.CountText(string(tc.Args), model)
	}
	return total
}

func (c *TiktokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encodings[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model: cl100k_base approximates modern tokenizers well.
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc // nil is cached too, to avoid retry storms
	return enc
}

// HeuristicCounter estimates tokens as ceil(len/4) with no model awareness.
// Deterministic and dependency-free; the counter used throughout the tests.
type HeuristicCounter struct{}

// NewHeuristicCounter creates a heuristic counter.
func NewHeuristicCounter() HeuristicCounter { return HeuristicCounter{} }

// CountText implements Counter.
func (HeuristicCounter) CountText(text, _ string) int {
	return heuristicCount(text)
}

// CountMessage implements Counter.
func (HeuristicCounter) CountMessage(msg history.Message, model string) int {
	total := messageOverhead + heuristicCount(msg.Content.AsText())
	for _, tc := range msg.ToolCalls {
		total += heuristicCount(tc.Name) + heuristicCount(string(tc.Args))
	}
	return total
}

func heuristicCount(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + heuristicCharsPerToken - 1) / heuristicCharsPerToken
}
