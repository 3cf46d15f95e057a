package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/memory"
)

func TestExtractFacts_ByKind(t *testing.T) {
	messages := []history.Message{
		history.NewText(history.RoleUser, "please look into the login flow"),
		history.NewText(history.RoleAssistant, "We decided to use bcrypt for password hashing.\nAlso modified auth/handler.go to add rate limiting."),
		history.NewText(history.RoleAssistant, "The test run failed with a timeout error in the CI pipeline."),
	}

	facts := memory.ExtractFacts(messages, memory.FlushOptions{ProjectID: "p1", SessionID: "s1"})

	require.Len(t, facts, 3)
	kinds := map[string]int{}
	for _, f := range facts {
		kinds[f.Kind]++
		assert.Equal(t, "p1", f.ProjectID)
		assert.Equal(t, "s1", f.SessionID)
		assert.NotEmpty(t, f.ID)
	}
	assert.Equal(t, 1, kinds["decision"])
	assert.Equal(t, 1, kinds["file_op"])
	assert.Equal(t, 1, kinds["error"])
}

func TestExtractFacts_SkipsToolOutput(t *testing.T) {
	messages := []history.Message{
		history.NewText(history.RoleTool, "error: connection refused\nerror: retry failed"),
	}

	facts := memory.ExtractFacts(messages, memory.FlushOptions{})
	assert.Empty(t, facts, "raw tool output is noise, not durable facts")
}

func TestExtractFacts_TruncatesLongLines(t *testing.T) {
	long := "we decided to " + string(make([]byte, 600))
	messages := []history.Message{history.NewText(history.RoleAssistant, long)}

	facts := memory.ExtractFacts(messages, memory.FlushOptions{})
	require.Len(t, facts, 1)
	assert.LessOrEqual(t, len(facts[0].Content), 500)
}

func TestStoreFlusher_FlushPutsAllFacts(t *testing.T) {
	store := memory.NewFactStore(time.Minute)
	defer store.Close()
	flusher := memory.NewStoreFlusher(store)

	messages := []history.Message{
		history.NewText(history.RoleAssistant, "We decided on SQLite.\nThe build failed with a linker error."),
	}

	n, err := flusher.Flush(context.Background(), messages, memory.FlushOptions{SessionID: "sess"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())
	assert.Len(t, store.BySession("sess"), 2)
}

func TestStoreFlusher_CancelledContext(t *testing.T) {
	store := memory.NewFactStore(time.Minute)
	defer store.Close()
	flusher := memory.NewStoreFlusher(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := flusher.Flush(ctx, []history.Message{history.NewText(history.RoleUser, "we decided on x for y")}, memory.FlushOptions{})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.Len())
}

func TestFactStore_ExpiredFactsInvisible(t *testing.T) {
	store := memory.NewFactStore(10 * time.Millisecond)
	defer store.Close()

	store.Put(memory.Fact{ID: "f1", Kind: "decision", Content: "short lived"})
	_, ok := store.Get("f1")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = store.Get("f1")
	assert.False(t, ok, "expired facts must not be returned even before the sweeper runs")
}

func TestFactStore_CloseIsIdempotent(t *testing.T) {
	store := memory.NewFactStore(time.Minute)
	store.Close()
	store.Close() // second close must not panic
}
