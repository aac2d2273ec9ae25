package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const eventColumns = `id, uid, base_uid, recurrence_key, summary, location, description,
	start_at, end_at, all_day, last_modified, rrule, created_at, updated_at`

// SQLStore implements Repository on database/sql for SQLite and PostgreSQL.
// Instants are stored as Unix seconds and read back in the site timezone.
type SQLStore struct {
	db     *sql.DB
	driver string
	loc    *time.Location
	now    func() time.Time
}

var _ Repository = (*SQLStore)(nil)

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string, loc *time.Location) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	s := NewWithDB(db, driver, loc)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	appLog.Info("store opened", "driver", driver)
	return s, nil
}

// NewWithDB wraps an existing connection. The caller owns the schema.
func NewWithDB(db *sql.DB, driver string, loc *time.Location) *SQLStore {
	if loc == nil {
		loc = time.UTC
	}
	return &SQLStore{db: db, driver: driver, loc: loc, now: time.Now}
}

// EnsureSchema creates tables and indexes if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites '?' placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, uid string) (model.StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM events WHERE uid = ?`), uid)
	ev, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *SQLStore) Insert(ctx context.Context, in model.Instance) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO events (uid, base_uid, recurrence_key, summary, location, description,
			start_at, end_at, all_day, last_modified, rrule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		in.UID, in.BaseUID, in.RecurrenceKey, in.Summary, in.Location, in.Description,
		toUnix(in.Start), toUnix(in.End), boolToInt(in.AllDay), toUnix(in.LastModified), in.RRule,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", in.UID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, in model.Instance) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE events SET base_uid = ?, recurrence_key = ?, summary = ?, location = ?, description = ?,
			start_at = ?, end_at = ?, all_day = ?, last_modified = ?, rrule = ?, updated_at = ?
		WHERE uid = ?`),
		in.BaseUID, in.RecurrenceKey, in.Summary, in.Location, in.Description,
		toUnix(in.Start), toUnix(in.End), boolToInt(in.AllDay), toUnix(in.LastModified), in.RRule,
		s.now().Unix(), in.UID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", in.UID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SeriesUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM events WHERE base_uid <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// DeleteUIDs removes the given rows in one transaction.
func (s *SQLStore) DeleteUIDs(ctx context.Context, uids []string) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM events WHERE uid = ?`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	deleted := 0
	for _, uid := range uids {
		res, err := stmt.ExecContext(ctx, uid)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", uid, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *SQLStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE end_at < ?`), toUnix(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]model.StoredEvent, error) {
	var (
		where []string
		args  []any
	)
	if !opts.From.IsZero() {
		where = append(where, "end_at >= ?")
		args = append(args, toUnix(opts.From))
	}
	if !opts.Until.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, toUnix(opts.Until))
	}
	if q := strings.TrimSpace(opts.Search); q != "" {
		pattern := "%" + strings.ToLower(q) + "%"
		where = append(where, "(LOWER(summary) LIKE ? OR LOWER(location) LIKE ? OR LOWER(description) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_at ASC, uid ASC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.StoredEvent, 0)
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendImportLog(ctx context.Context, e model.ImportLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO import_logs (run_id, started_at, finished_at, success, message, imported, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.RunID, toUnix(e.StartedAt), toUnix(e.FinishedAt), boolToInt(e.Success), e.Message, e.Imported, e.Deleted,
	)
	return err
}

func (s *SQLStore) ImportLogs(ctx context.Context, limit int) ([]model.ImportLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, run_id, started_at, finished_at, success, message, imported, deleted
		FROM import_logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ImportLog, 0)
	for rows.Next() {
		var (
			e                 model.ImportLog
			started, finished int64
			success           int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &started, &finished, &success, &e.Message, &e.Imported, &e.Deleted); err != nil {
			return nil, err
		}
		e.StartedAt = s.fromUnix(started)
		e.FinishedAt = s.fromUnix(finished)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanEvent(sc scanner) (model.StoredEvent, error) {
	var (
		ev                       model.StoredEvent
		start, end, lastMod      int64
		allDay, created, updated int64
	)
	err := sc.Scan(&ev.ID, &ev.UID, &ev.BaseUID, &ev.RecurrenceKey, &ev.Summary, &ev.Location, &ev.Description,
		&start, &end, &allDay, &lastMod, &ev.RRule, &created, &updated)
	if err != nil {
		return model.StoredEvent{}, err
	}
	ev.Start = s.fromUnix(start)
	ev.End = s.fromUnix(end)
	ev.AllDay = allDay != 0
	ev.LastModified = s.fromUnix(lastMod)
	ev.CreatedAt = s.fromUnix(created)
	ev.UpdatedAt = s.fromUnix(updated)
	return ev, nil
}

// toUnix maps the zero time to 0 so "never modified" survives a round trip.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *SQLStore) fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).In(s.loc)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
