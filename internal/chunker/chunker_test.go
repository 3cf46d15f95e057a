package chunker_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxkit/compactor/internal/chunker"
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/tokens"
)

func makeMessages(n int) []history.Message {
	out := make([]history.Message, n)
	for i := range out {
		out[i] = history.NewText(history.RoleUser, fmt.Sprintf("message number %d with some padding text", i))
	}
	return out
}

// flatten rejoins chunk contents in order for partition checks.
func flatten(chunks []chunker.MessageChunk) []history.Message {
	var out []history.Message
	for _, ch := range chunks {
		out = append(out, ch.Messages...)
	}
	return out
}

func TestSplit_PartitionsWithoutLossOrReorder(t *testing.T) {
	c := chunker.New(tokens.NewHeuristicCounter())
	messages := makeMessages(17)

	for _, targetChunks := range []int{1, 3, 5, 17, 40} {
		t.Run(fmt.Sprintf("chunks=%d", targetChunks), func(t *testing.T) {
			chunks := c.Split(messages, targetChunks, "")

			rejoined := flatten(chunks)
			require.Len(t, rejoined, len(messages), "no message may be lost or duplicated")
			for i := range messages {
				assert.Equal(t, messages[i].Content.AsText(), rejoined[i].Content.AsText(), "order must be preserved")
			}
			assert.LessOrEqual(t, len(chunks), targetChunks)
			for i, ch := range chunks {
				assert.Equal(t, i, ch.Index)
				assert.NotEmpty(t, ch.Messages, "no chunk may be empty")
			}
		})
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	c := chunker.New(tokens.NewHeuristicCounter())
	chunks := c.Split(nil, 4, "")
	assert.Empty(t, chunks)
}

func TestSplit_MoreChunksThanMessages(t *testing.T) {
	c := chunker.New(tokens.NewHeuristicCounter())
	messages := makeMessages(3)

	chunks := c.Split(messages, 10, "")
	assert.Len(t, chunks, 3, "chunk count is capped at message count")
}

func TestBalance_ReducesSpreadAndKeepsPartition(t *testing.T) {
	counter := tokens.NewHeuristicCounter()
	c := chunker.New(counter)

	// One huge message up front forces Split into a lopsided partition.
	messages := []history.Message{
		history.NewText(history.RoleTool, strings.Repeat("x", 4000)),
	}
	messages = append(messages, makeMessages(11)...)

	chunks := c.Split(messages, 4, "")
	balanced := c.Balance(chunks, "")

	rejoined := flatten(balanced)
	require.Len(t, rejoined, len(messages))
	for i := range messages {
		assert.Equal(t, messages[i].Content.AsText(), rejoined[i].Content.AsText())
	}
	for i, ch := range balanced {
		assert.Equal(t, i, ch.Index, "indexes must be consecutive after balancing")
		assert.NotEmpty(t, ch.Messages)
		// Stored counts must agree with a recount.
		recount := 0
		for _, m := range ch.Messages {
			recount += counter.CountMessage(m, "")
		}
		assert.Equal(t, recount, ch.TokenCount)
	}
}

func TestBalance_SingleChunkUnchanged(t *testing.T) {
	c := chunker.New(tokens.NewHeuristicCounter())
	chunks := c.Split(makeMessages(5), 1, "")
	require.Len(t, chunks, 1)

	balanced := c.Balance(chunks, "")
	assert.Equal(t, chunks, balanced)
}
