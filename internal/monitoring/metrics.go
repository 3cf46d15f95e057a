// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - compactions / fallbacks:     orchestrator outcomes
//   - compressions:                enhanced-compressor runs
//   - summarizer_failures:         chunks that degraded to truncation
//   - archive_hits / misses:       recovery lookups
//   - tokens_in / tokens_out:      aggregate budget movement
//
// For production, export these to Prometheus or similar.
package monitoring

import "sync/atomic"

// Metrics collects engine-wide counters. Safe for concurrent use.
type Metrics struct {
	compactions        atomic.Int64
	fallbacks          atomic.Int64
	compressions       atomic.Int64
	summarizerFailures atomic.Int64
	archiveHits        atomic.Int64
	archiveMisses      atomic.Int64
	tokensIn           atomic.Int64
	tokensOut          atomic.Int64
}

// NewMetrics creates a zeroed metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCompaction records one orchestrator run.
func (m *Metrics) RecordCompaction(originalTokens, finalTokens int, usedFallback bool) {
	m.compactions.Add(1)
	if usedFallback {
		m.fallbacks.Add(1)
	}
	m.tokensIn.Add(int64(originalTokens))
	m.tokensOut.Add(int64(finalTokens))
}

// RecordCompression records one enhanced-compressor run.
func (m *Metrics) RecordCompression(originalTokens, finalTokens int) {
	m.compressions.Add(1)
	m.tokensIn.Add(int64(originalTokens))
	m.tokensOut.Add(int64(finalTokens))
}

// RecordSummarizerFailure records a chunk that degraded to truncation.
func (m *Metrics) RecordSummarizerFailure() { m.summarizerFailures.Add(1) }

// RecordArchiveHit records a successful recovery lookup.
func (m *Metrics) RecordArchiveHit() { m.archiveHits.Add(1) }

// RecordArchiveMiss records a failed recovery lookup.
func (m *Metrics) RecordArchiveMiss() { m.archiveMisses.Add(1) }

// Stats returns a snapshot of all counters.
func (m *Metrics) Stats() map[string]int64 {
	return map[string]int64{
		"compactions":         m.compactions.Load(),
		"fallbacks":           m.fallbacks.Load(),
		"compressions":        m.compressions.Load(),
		"summarizer_failures": m.summarizerFailures.Load(),
		"archive_hits":        m.archiveHits.Load(),
		"archive_misses":      m.archiveMisses.Load(),
		"tokens_in":           m.tokensIn.Load(),
		"tokens_out":          m.tokensOut.Load(),
	}
}
