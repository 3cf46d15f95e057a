// Archive ring: pre-compression snapshots and recovery.
//
// DESIGN: A fixed-capacity circular buffer with O(1) eviction. The ring is
// owned exclusively by one Compressor instance; concurrent callers sharing
// an instance must serialize externally (spec'd as not designed for
// concurrent writers).
package compress

import (
	"time"

	"github.com/google/uuid"

	"github.com/ctxkit/compactor/internal/history"
)

// ContextArchive is an immutable full-history snapshot taken immediately
// before a destructive compression step.
type ContextArchive struct {
	ID         string
	Timestamp  time.Time
	Messages   []history.Message // deep copy, no aliasing of caller data
	TokenCount int
	SessionID  string
	Reason     string
}

// archiveRing is a bounded FIFO of archives; the oldest is evicted first.
type archiveRing struct {
	entries []ContextArchive
	head    int // index of the oldest entry
	count   int
}

func newArchiveRing(capacity int) *archiveRing {
	if capacity < 1 {
		capacity = 1
	}
	return &archiveRing{entries: make([]ContextArchive, capacity)}
}

// push adds an archive, evicting the oldest when full.
func (r *archiveRing) push(a ContextArchive) {
	tail := (r.head + r.count) % len(r.entries)
	if r.count == len(r.entries) {
		// Full: overwrite the oldest slot and advance head.
		r.entries[r.head] = a
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.entries[tail] = a
	r.count++
}

// latest returns the most recent archive.
func (r *archiveRing) latest() (ContextArchive, bool) {
	if r.count == 0 {
		return ContextArchive{}, false
	}
	idx := (r.head + r.count - 1) % len(r.entries)
	return r.entries[idx], true
}

// byID finds an archive by its ID.
func (r *archiveRing) byID(id string) (ContextArchive, bool) {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.entries)
		if r.entries[idx].ID == id {
			return r.entries[idx], true
		}
	}
	return ContextArchive{}, false
}

// len returns the number of live archives.
func (r *archiveRing) len() int { return r.count }

// snapshot builds an archive from a deep copy of messages.
func (c *Compressor) snapshot(messages []history.Message, tokenCount int, reason string) ContextArchive {
	return ContextArchive{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Messages:   history.CloneAll(messages),
		TokenCount: tokenCount,
		SessionID:  c.cfg.SessionID,
		Reason:     reason,
	}
}
