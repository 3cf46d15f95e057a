// Package archive persists pre-compression snapshots to SQLite.
//
// The in-memory ring inside the compressor stays authoritative for
// recovery; this sink exists so snapshots survive process restarts and can
// be inspected after the fact. Writes are synchronous and small (one row
// per compression run), so no batching is needed.
package archive

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ctxkit/compactor/internal/compress"
	"github.com/ctxkit/compactor/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS archives (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	messages    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_session ON archives(session_id, created_at);
`

// SQLiteSink stores archives in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// Open creates or opens the archive database at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Save writes one snapshot. Messages are stored as JSONL, the same wire
// format the CLI reads and writes.
func (s *SQLiteSink) Save(a compress.ContextArchive) error {
	var buf bytes.Buffer
	if err := history.EncodeJSONL(&buf, a.Messages); err != nil {
		return fmt.Errorf("encode archive %s: %w", a.ID, err)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO archives (id, session_id, reason, token_count, created_at, messages)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Reason, a.TokenCount, a.Timestamp.UTC(), buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("save archive %s: %w", a.ID, err)
	}
	return nil
}

// Load reads one snapshot by ID.
func (s *SQLiteSink) Load(id string) (compress.ContextArchive, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, reason, token_count, created_at, messages
		 FROM archives WHERE id = ?`, id,
	)
	return scanArchive(row)
}

// Latest reads the most recent snapshot for a session.
func (s *SQLiteSink) Latest(sessionID string) (compress.ContextArchive, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, reason, token_count, created_at, messages
		 FROM archives WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID,
	)
	return scanArchive(row)
}

// Prune deletes snapshots older than the retention window and returns how
// many rows were removed.
func (s *SQLiteSink) Prune(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM archives WHERE created_at < ?`, time.Now().Add(-olderThan).UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune archives: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

func scanArchive(row *sql.Row) (compress.ContextArchive, error) {
	var a compress.ContextArchive
	var blob []byte
	if err := row.Scan(&a.ID, &a.SessionID, &a.Reason, &a.TokenCount, &a.Timestamp, &blob); err != nil {
		return compress.ContextArchive{}, fmt.Errorf("load archive: %w", err)
	}
	messages, err := history.DecodeJSONL(bytes.NewReader(blob))
	if err != nil {
		return compress.ContextArchive{}, fmt.Errorf("decode archive %s: %w", a.ID, err)
	}
	a.Messages = messages
	return a, nil
}

// Sink conformance check.
var _ compress.ArchiveSink = (*SQLiteSink)(nil)
