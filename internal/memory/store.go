// TTL-bounded in-memory fact store, the default flush sink.
package memory

import (
	"sync"
	"time"
)

// DefaultFactTTL keeps flushed facts around long enough to survive several
// compaction cycles within one working session.
const DefaultFactTTL = 24 * time.Hour

// cleanupInterval between expiry sweeps.
const cleanupInterval = time.Minute

// FactStore holds flushed facts in memory with per-entry expiry.
// Safe for concurrent use.
type FactStore struct {
	mu       sync.RWMutex
	facts    map[string]factEntry
	ttl      time.Duration
	stopChan chan struct{}
	stopped  bool
}

type factEntry struct {
	fact      Fact
	expiresAt time.Time
}

// NewFactStore creates a store and starts its cleanup sweeper.
// A non-positive ttl uses DefaultFactTTL.
func NewFactStore(ttl time.Duration) *FactStore {
	if ttl <= 0 {
		ttl = DefaultFactTTL
	}
	s := &FactStore{
		facts:    make(map[string]factEntry),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Put stores a fact, resetting its expiry.
func (s *FactStore) Put(fact Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.ID] = factEntry{fact: fact, expiresAt: time.Now().Add(s.ttl)}
}

// Get retrieves a fact by ID.
func (s *FactStore) Get(id string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.facts[id]
	if !ok || time.Now().After(e.expiresAt) {
		return Fact{}, false
	}
	return e.fact, true
}

// BySession returns all live facts for a session.
func (s *FactStore) BySession(sessionID string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []Fact
	for _, e := range s.facts {
		if e.fact.SessionID == sessionID && now.Before(e.expiresAt) {
			out = append(out, e.fact)
		}
	}
	return out
}

// Len returns the number of stored facts, including any not yet swept.
func (s *FactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Close stops the cleanup sweeper. Idempotent.
func (s *FactStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
}

func (s *FactStore) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, e := range s.facts {
				if now.After(e.expiresAt) {
					delete(s.facts, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
