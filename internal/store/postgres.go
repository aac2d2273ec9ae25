package store

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id             BIGSERIAL PRIMARY KEY,
	uid            TEXT    NOT NULL UNIQUE,
	base_uid       TEXT    NOT NULL DEFAULT '',
	recurrence_key TEXT    NOT NULL DEFAULT '',
	summary        TEXT    NOT NULL DEFAULT '',
	location       TEXT    NOT NULL DEFAULT '',
	description    TEXT    NOT NULL DEFAULT '',
	start_at       BIGINT  NOT NULL,
	end_at         BIGINT  NOT NULL,
	all_day        INTEGER NOT NULL DEFAULT 0,
	last_modified  BIGINT  NOT NULL DEFAULT 0,
	rrule          TEXT    NOT NULL DEFAULT '',
	created_at     BIGINT  NOT NULL,
	updated_at     BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);
CREATE INDEX IF NOT EXISTS idx_events_end ON events(end_at);
CREATE INDEX IF NOT EXISTS idx_events_base_uid ON events(base_uid);

CREATE TABLE IF NOT EXISTS import_logs (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT    NOT NULL,
	started_at  BIGINT  NOT NULL,
	finished_at BIGINT  NOT NULL,
	success     INTEGER NOT NULL,
	message     TEXT    NOT NULL DEFAULT '',
	imported    INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0
);
`

// openPostgres returns a *sql.DB using the pgx stdlib driver.
func openPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
