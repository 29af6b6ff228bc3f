// Package history keeps a per-project log of past invocations in a SQLite
// database inside the cache directory. `taut cache info` reads it back.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const historyFile = "runs.db"

// Run is one recorded invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Passed    int
	Failed    int
	Errored   int
	Skipped   int
	Unchanged int
	ExitCode  int
}

// NewRunID mints the identifier for an invocation.
func NewRunID() string {
	return uuid.NewString()
}

// Store wraps the runs database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history store inside a project cache dir.
func Open(cacheDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", filepath.Join(cacheDir, historyFile))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const schema = `CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errored INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		unchanged INTEGER NOT NULL,
		exit_code INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one run.
func (s *Store) Record(run Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, started_at, duration_ms, passed, failed, errored, skipped, unchanged, exit_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.Unix(), run.Duration.Milliseconds(),
		run.Passed, run.Failed, run.Errored, run.Skipped, run.Unchanged, run.ExitCode,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(n int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, duration_ms, passed, failed, errored, skipped, unchanged, exit_code
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, durationMS int64
		if err := rows.Scan(&r.ID, &started, &durationMS,
			&r.Passed, &r.Failed, &r.Errored, &r.Skipped, &r.Unchanged, &r.ExitCode); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Count returns the total number of recorded runs.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}
