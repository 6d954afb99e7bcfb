package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// BusyTimeout is how long to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS reload_events (
	id TEXT PRIMARY KEY,
	time INTEGER NOT NULL,
	origin TEXT NOT NULL,
	outcome TEXT NOT NULL,
	version INTEGER NOT NULL,
	rule_count INTEGER NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	duration_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reload_events_time ON reload_events(time);
CREATE INDEX IF NOT EXISTS idx_reload_events_outcome ON reload_events(outcome);
`

// SQLiteStorage implements Storage on SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *slog.Logger
}

// NewSQLiteStorage opens or creates the audit database.
func NewSQLiteStorage(cfg SQLiteConfig) (*SQLiteStorage, error) {
	if cfg.Path == "" {
		return nil, storageError("sqlite", "open", fmt.Errorf("path cannot be empty"))
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, storageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &SQLiteStorage{
		db:     db,
		logger: slog.Default().With("component", "audit.sqlite"),
	}
	if err := s.initialize(cfg); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("audit storage initialized", "path", cfg.Path)
	return s, nil
}

func (s *SQLiteStorage) initialize(cfg SQLiteConfig) error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return storageError("sqlite", "enable_wal", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return storageError("sqlite", "set_busy_timeout", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return storageError("sqlite", "create_schema", err)
	}

	var err error
	s.insert, err = s.db.Prepare(`
		INSERT INTO reload_events (id, time, origin, outcome, version, rule_count, checksum, error, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageError("sqlite", "prepare", err)
	}
	return nil
}

// Store inserts an event.
func (s *SQLiteStorage) Store(ctx context.Context, ev *Event) error {
	_, err := s.insert.ExecContext(ctx,
		ev.ID, ev.Time.UnixNano(), ev.Origin, string(ev.Outcome), int64(ev.Version),
		ev.RuleCount, ev.Checksum, ev.Error, int64(ev.Duration),
	)
	if err != nil {
		return storageError("sqlite", "store", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *SQLiteStorage) Query(ctx context.Context, f *Filter) ([]*Event, error) {
	if f != nil {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	where, args := buildWhere(f)
	q := `SELECT id, time, origin, outcome, version, rule_count, checksum, error, duration_ns FROM reload_events` +
		where + ` ORDER BY time DESC, id DESC LIMIT ? OFFSET ?`
	offset := 0
	if f != nil {
		offset = f.Offset
	}
	args = append(args, f.limit(), offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageError("sqlite", "query", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var ts, version, dur int64
		var outcome string
		if err := rows.Scan(&ev.ID, &ts, &ev.Origin, &outcome, &version, &ev.RuleCount, &ev.Checksum, &ev.Error, &dur); err != nil {
			return nil, storageError("sqlite", "scan", err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		ev.Outcome = Outcome(outcome)
		ev.Version = uint64(version)
		ev.Duration = time.Duration(dur)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("sqlite", "query", err)
	}
	return out, nil
}

// Count returns the number of matching events. Limit and Offset are
// ignored.
func (s *SQLiteStorage) Count(ctx context.Context, f *Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reload_events`+where, args...).Scan(&n); err != nil {
		return 0, storageError("sqlite", "count", err)
	}
	return n, nil
}

// DeleteBefore removes events older than before.
func (s *SQLiteStorage) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reload_events WHERE time < ?`, before.UnixNano())
	if err != nil {
		return 0, storageError("sqlite", "delete", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	if err := s.db.Close(); err != nil {
		return storageError("sqlite", "close", err)
	}
	return nil
}

func buildWhere(f *Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.Origin != "" {
		conds = append(conds, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "time >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "time < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
