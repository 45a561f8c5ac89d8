// Package history keeps a durable log of finished petitions in SQLite.
// Live petitions are never persisted; scheduling state lives entirely in
// memory and the log is an audit trail, not a recovery source.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one finished petition as written to the log.
type Record struct {
	PetitionID string
	Kind       string
	Priority   float64
	State      string
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the SQLite-backed petition log.
type Store struct {
	db *sql.DB
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS petition_log (
  rowid_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
  petition_id TEXT NOT NULL,
  kind        TEXT NOT NULL,
  priority    REAL NOT NULL,
  state       TEXT NOT NULL,
  exit_code   INTEGER,
  started_at  TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS petition_log_finished_at_idx ON petition_log(finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history db: %w", err)
		}
	}
	return nil
}

// Append writes one finished petition.
func (s *Store) Append(ctx context.Context, r Record) error {
	var code sql.NullInt64
	if r.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO petition_log (petition_id, kind, priority, state, exit_code, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.PetitionID, r.Kind, r.Priority, r.State, code,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append petition log: %w", err)
	}
	return nil
}

// Recent returns the most recently finished petitions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT petition_id, kind, priority, state, exit_code, started_at, finished_at
		 FROM petition_log ORDER BY rowid_seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query petition log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r            Record
			code         sql.NullInt64
			started, fin string
		)
		if err := rows.Scan(&r.PetitionID, &r.Kind, &r.Priority, &r.State, &code, &started, &fin); err != nil {
			return nil, fmt.Errorf("scan petition log row: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, fin)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes log rows older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM petition_log WHERE finished_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune petition log: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
