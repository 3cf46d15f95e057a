// Package memory provides the best-effort memory flush that runs before
// destructive compaction.
//
// DESIGN: Flushing extracts durable facts (decisions, errors, file
// operations) from the messages about to be summarized away and hands them
// to a sink. Flush failures are the caller's to log and ignore; they must
// never block compaction. The default sink is a TTL-bounded in-memory fact
// store; production hosts supply their own Flusher backed by real storage.
package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ctxkit/compactor/internal/history"
)

// FlushOptions scope flushed facts to a project and session.
type FlushOptions struct {
	ProjectID string
	SessionID string
}

// Flusher persists durable facts extracted from messages.
// Implementations must be best-effort: an error means "nothing was saved",
// never "compaction must stop".
type Flusher interface {
	// Flush extracts and persists facts, returning how many were saved.
	Flush(ctx context.Context, messages []history.Message, opts FlushOptions) (int, error)
}

// Fact is one durable piece of information worth outliving compaction.
type Fact struct {
	ID        string
	Kind      string // "decision", "error", "file_op"
	Content   string
	ProjectID string
	SessionID string
}

// Patterns identifying fact-bearing lines.
var (
	decisionPattern = regexp.MustCompile(`(?i)\b(decided|decision|chose|will use|going with|agreed)\b`)
	errorPattern    = regexp.MustCompile(`(?i)\b(error|exception|failed|failure|panic)\b`)
	fileOpPattern   = regexp.MustCompile(`(?i)\b(created|modified|updated|deleted|wrote|renamed)\b[^\n]{0,120}?([\w./-]+\.\w{1,8})`)
)

// maxFactLen truncates individual facts to keep the store compact.
const maxFactLen = 500

// ExtractFacts scans messages for durable facts. Tool output is skipped:
// raw output is noise, what matters is what the assistant concluded from it.
func ExtractFacts(messages []history.Message, opts FlushOptions) []Fact {
	var facts []Fact
	add := func(kind, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if len(content) > maxFactLen {
			content = content[:maxFactLen]
		}
		facts = append(facts, Fact{
			ID:        uuid.New().String(),
			Kind:      kind,
			Content:   content,
			ProjectID: opts.ProjectID,
			SessionID: opts.SessionID,
		})
	}

	for _, msg := range messages {
		if msg.Role == history.RoleTool {
			continue
		}
		for _, line := range strings.Split(msg.Content.AsText(), "\n") {
			switch {
			case decisionPattern.MatchString(line):
				add("decision", line)
			case fileOpPattern.MatchString(line):
				add("file_op", line)
			case errorPattern.MatchString(line):
				add("error", line)
			}
		}
	}
	return facts
}

// StoreFlusher flushes extracted facts into a FactStore.
type StoreFlusher struct {
	store *FactStore
}

// NewStoreFlusher creates a flusher backed by the given store.
func NewStoreFlusher(store *FactStore) *StoreFlusher {
	return &StoreFlusher{store: store}
}

// Flush implements Flusher.
func (f *StoreFlusher) Flush(ctx context.Context, messages []history.Message, opts FlushOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	facts := ExtractFacts(messages, opts)
	for _, fact := range facts {
		f.store.Put(fact)
	}
	return len(facts), nil
}
