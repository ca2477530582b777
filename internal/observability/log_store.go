package observability

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// LogStore persists evicted/expired ring entries to SQLite so an
// operator can inspect history beyond the in-memory ring after a
// restart. This is the reference implementation of the "log
// persistence" collaborator spec.md §1 calls out as out of scope for
// the broker's own core: the dispatch engine never reads from it, and
// its absence or failure never affects request dispatch (spec §3
// "Persistent state: None" still holds for bindings and pending
// records; only this archival copy of observability entries survives
// a restart).
type LogStore struct {
	db *sql.DB
}

// OpenLogStore opens (creating if necessary) a SQLite-backed log store
// at path, matching the teacher's audit/index.go shape (WAL mode, a
// single append-only table with indexes for the fields it is queried by).
func OpenLogStore(path string) (*LogStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening log store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			at        TEXT NOT NULL,
			severity  TEXT NOT NULL,
			message   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_at ON entries(at);
		CREATE INDEX IF NOT EXISTS idx_severity ON entries(severity);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating log store schema: %w", err)
	}

	return &LogStore{db: db}, nil
}

// Append writes e to the store. Errors are logged, not propagated —
// this is a best-effort archive, never load-bearing for dispatch.
func (s *LogStore) Append(e Entry) {
	_, err := s.db.Exec(
		`INSERT INTO entries (at, severity, message) VALUES (?, ?, ?)`,
		e.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"), string(e.Severity), e.Message,
	)
	if err != nil {
		slog.Error("log store insert failed", "error", err)
	}
}

// Tail returns the most recent limit entries, newest first.
func (s *LogStore) Tail(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT at, severity, message FROM entries ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying log store: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var at, sev, msg string
		if err := rows.Scan(&at, &sev, &msg); err != nil {
			return nil, fmt.Errorf("scanning log store row: %w", err)
		}
		t, _ := time.Parse("2006-01-02T15:04:05.000Z07:00", at)
		out = append(out, Entry{At: t, Severity: Severity(sev), Message: msg})
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *LogStore) Close() error { return s.db.Close() }
