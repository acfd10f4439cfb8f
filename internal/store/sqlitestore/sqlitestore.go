// Package sqlitestore is a SQLite persistence backend. Both record
// types live in one database file; the updated_at_ms column with its
// covering index serves as the expiry index, so record and index can
// never diverge (the self-heal rules of the file backend degenerate to
// a no-op here).
package sqlitestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the backing database with WAL journaling and
// a busy timeout, matching our other SQLite usage.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// migrate creates both tables. CREATE IF NOT EXISTS keeps Init
// idempotent and safe under concurrent callers (SQLite serializes the
// DDL).
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS contexts (
		subject_id    TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_updated ON contexts(updated_at_ms);

	CREATE TABLE IF NOT EXISTS runstates (
		subject_id    TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runstates_updated ON runstates(updated_at_ms);
	`
	_, err := db.Exec(schema)
	return err
}
