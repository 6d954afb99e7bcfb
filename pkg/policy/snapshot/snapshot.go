// Package snapshot persists accepted rule sets to SQLite so a node can
// restart with its last known good rules when the rule source is
// unavailable.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/rules"
)

// ErrNotFound is returned when no snapshot matches a query.
var ErrNotFound = errors.New("snapshot not found")

// Record is one persisted rule set. Rules is only populated by Latest and
// Get.
type Record struct {
	ID        int64               `json:"id"`
	Version   uint64              `json:"version"`
	Checksum  string              `json:"checksum"`
	RuleCount int                 `json:"rule_count"`
	Origin    string              `json:"origin"`
	CreatedAt time.Time           `json:"created_at"`
	Rules     []policy.PolicyRule `json:"-"`
}

// Config configures the snapshot store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Keep is the number of snapshots retained after each Save. Zero keeps
	// everything.
	// Default: 10
	Keep int

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// Store is a SQLite-backed snapshot store. It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	keep      int
	closeOnce sync.Once

	saveStmt   *sql.Stmt
	latestStmt *sql.Stmt
	getStmt    *sql.Stmt
	listStmt   *sql.Stmt
	pruneStmt  *sql.Stmt
}

// Open opens or creates the snapshot database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("snapshot path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Keep < 0 {
		return nil, fmt.Errorf("snapshot keep must be non-negative, got %d", cfg.Keep)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, keep: cfg.Keep}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rule_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		rule_count INTEGER NOT NULL,
		origin TEXT NOT NULL,
		document TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_snapshots_created ON rule_snapshots(created_at);
	`)
	return err
}

func (s *Store) prepareStatements() error {
	var err error
	const cols = `id, version, checksum, rule_count, origin, created_at`

	if s.saveStmt, err = s.db.Prepare(`
		INSERT INTO rule_snapshots (version, checksum, rule_count, origin, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}
	if s.latestStmt, err = s.db.Prepare(`SELECT ` + cols + `, document FROM rule_snapshots ORDER BY id DESC LIMIT 1`); err != nil {
		return fmt.Errorf("failed to prepare latest statement: %w", err)
	}
	if s.getStmt, err = s.db.Prepare(`SELECT ` + cols + `, document FROM rule_snapshots WHERE id = ?`); err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}
	if s.listStmt, err = s.db.Prepare(`SELECT ` + cols + ` FROM rule_snapshots ORDER BY id DESC LIMIT ?`); err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}
	if s.pruneStmt, err = s.db.Prepare(`
		DELETE FROM rule_snapshots
		WHERE id NOT IN (SELECT id FROM rule_snapshots ORDER BY id DESC LIMIT ?)
	`); err != nil {
		return fmt.Errorf("failed to prepare prune statement: %w", err)
	}
	return nil
}

// Save persists rules as the newest snapshot and prunes old ones.
func (s *Store) Save(ctx context.Context, version uint64, origin string, rs []policy.PolicyRule) (*Record, error) {
	doc, err := json.Marshal(rules.FromRules(origin, rs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}

	rec := &Record{
		Version:   version,
		Checksum:  rules.Checksum(rs),
		RuleCount: len(rs),
		Origin:    origin,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	res, err := s.saveStmt.ExecContext(ctx, int64(rec.Version), rec.Checksum, rec.RuleCount, rec.Origin, string(doc), rec.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot id: %w", err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Latest returns the newest snapshot with its rules.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	return s.scanFull(s.latestStmt.QueryRowContext(ctx))
}

// Get returns the snapshot with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	return s.scanFull(s.getStmt.QueryRowContext(ctx, id))
}

// List returns up to limit snapshots, newest first, without their rules.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.listStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var version, created int64
		if err := rows.Scan(&rec.ID, &version, &rec.Checksum, &rec.RuleCount, &rec.Origin, &created); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		rec.Version = uint64(version)
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots and returns the number
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative, got %d", keep)
	}
	res, err := s.pruneStmt.ExecContext(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.saveStmt, s.latestStmt, s.getStmt, s.listStmt, s.pruneStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) scanFull(row *sql.Row) (*Record, error) {
	var rec Record
	var version, created int64
	var document string
	err := row.Scan(&rec.ID, &version, &rec.Checksum, &rec.RuleCount, &rec.Origin, &created, &document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	rec.Version = uint64(version)
	rec.CreatedAt = time.UnixMilli(created).UTC()

	doc, err := rules.Parse([]byte(document))
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", rec.ID, err)
	}
	if rec.Rules, err = doc.Compile(); err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", rec.ID, err)
	}
	if got := rules.Checksum(rec.Rules); got != rec.Checksum {
		return nil, fmt.Errorf("snapshot %d: checksum mismatch: stored %s, computed %s", rec.ID, rec.Checksum, got)
	}
	return &rec, nil
}
