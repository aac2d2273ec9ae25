package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	uid            TEXT    NOT NULL UNIQUE,
	base_uid       TEXT    NOT NULL DEFAULT '',
	recurrence_key TEXT    NOT NULL DEFAULT '',
	summary        TEXT    NOT NULL DEFAULT '',
	location       TEXT    NOT NULL DEFAULT '',
	description    TEXT    NOT NULL DEFAULT '',
	start_at       INTEGER NOT NULL,
	end_at         INTEGER NOT NULL,
	all_day        INTEGER NOT NULL DEFAULT 0,
	last_modified  INTEGER NOT NULL DEFAULT 0,
	rrule          TEXT    NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);
CREATE INDEX IF NOT EXISTS idx_events_end ON events(end_at);
CREATE INDEX IF NOT EXISTS idx_events_base_uid ON events(base_uid);

CREATE TABLE IF NOT EXISTS import_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT    NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	message     TEXT    NOT NULL DEFAULT '',
	imported    INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0
);
`

// openSQLite opens (or creates) a SQLite database at path with WAL enabled.
func openSQLite(path string) (*sql.DB, error) {
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
