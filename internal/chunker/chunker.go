// Package chunker splits an ordered message history into contiguous,
// token-balanced chunks for parallel summarization.
//
// DESIGN: Chunks partition the input: no message is omitted, duplicated, or
// reordered. Balancing targets equal TOKEN counts per chunk, not equal message
// counts: one huge tool-output message may deserve a chunk of its own.
package chunker

import (
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/tokens"
)

// MessageChunk is a contiguous slice of the history with its token count.
type MessageChunk struct {
	Index      int
	Messages   []history.Message
	TokenCount int
}

// Chunker partitions message histories.
type Chunker struct {
	counter tokens.Counter
}

// New creates a chunker using the given token counter.
func New(counter tokens.Counter) *Chunker {
	return &Chunker{counter: counter}
}

// Split partitions messages into at most targetChunks contiguous chunks of
// roughly equal token weight. An empty input yields an empty chunk list.
func (c *Chunker) Split(messages []history.Message, targetChunks int, model string) []MessageChunk {
	if len(messages) == 0 {
		return []MessageChunk{}
	}
	if targetChunks < 1 {
		targetChunks = 1
	}
	if targetChunks > len(messages) {
		targetChunks = len(messages)
	}

	weights := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		weights[i] = c.counter.CountMessage(m, model)
		total += weights[i]
	}
	perChunk := total / targetChunks
	if perChunk < 1 {
		perChunk = 1
	}

	var chunks []MessageChunk
	start := 0
	acc := 0
	for i := range messages {
		acc += weights[i]
		remainingChunks := targetChunks - len(chunks)
		remainingMsgs := len(messages) - i - 1

		// Close the chunk once it reaches its share, but never starve the
		// remaining chunks of messages.
		if acc >= perChunk && remainingChunks > 1 && remainingMsgs >= remainingChunks-1 {
			chunks = append(chunks, MessageChunk{
				Index:      len(chunks),
				Messages:   messages[start : i+1],
				TokenCount: acc,
			})
			start = i + 1
			acc = 0
		}
	}
	if start < len(messages) {
		chunks = append(chunks, MessageChunk{
			Index:      len(chunks),
			Messages:   messages[start:],
			TokenCount: acc,
		})
	}
	return chunks
}

// Balance moves boundary messages between adjacent chunks to reduce the
// max/min token spread. Messages are never reordered and no chunk is left
// empty. A single pass over each boundary is enough in practice; the loop
// stops as soon as a pass makes no improvement.
func (c *Chunker) Balance(chunks []MessageChunk, model string) []MessageChunk {
	if len(chunks) < 2 {
		return chunks
	}

	const maxPasses = 4
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i := 0; i < len(chunks)-1; i++ {
			left, right := &chunks[i], &chunks[i+1]

			// Move the last message of left into right while that shrinks
			// the pairwise spread.
			for len(left.Messages) > 1 {
				w := c.counter.CountMessage(left.Messages[len(left.Messages)-1], model)
				if !improves(left.TokenCount, right.TokenCount, w) {
					break
				}
				msg := left.Messages[len(left.Messages)-1]
				left.Messages = left.Messages[:len(left.Messages)-1]
				right.Messages = append([]history.Message{msg}, right.Messages...)
				left.TokenCount -= w
				right.TokenCount += w
				moved = true
			}

			// And the symmetric direction.
			for len(right.Messages) > 1 {
				w := c.counter.CountMessage(right.Messages[0], model)
				if !improves(right.TokenCount, left.TokenCount, w) {
					break
				}
				msg := right.Messages[0]
				right.Messages = right.Messages[1:]
				// Full slice expression: never grow into a sibling's backing array.
				left.Messages = append(left.Messages[:len(left.Messages):len(left.Messages)], msg)
				right.TokenCount -= w
				left.TokenCount += w
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// improves reports whether moving weight w from the `from` chunk to the `to`
// chunk strictly reduces their spread.
func improves(from, to, w int) bool {
	before := abs(from - to)
	after := abs((from - w) - (to + w))
	return after < before
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
