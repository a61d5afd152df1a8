// Package journal keeps a SQLite log of completed boundary calls.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/storage"
)

const (
	maxErrorBytes = 64 * 1024

	// Fixed-width so completed_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Schema is the journal's DDL.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_log(
  id TEXT PRIMARY KEY,
  method TEXT NOT NULL,
  handle TEXT NOT NULL,
  lane TEXT NOT NULL,
  status TEXT NOT NULL,
  args_bytes INTEGER NOT NULL,
  result_bytes INTEGER NOT NULL,
  last_error TEXT,
  submitted_at TEXT NOT NULL,
  started_at TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS call_log_completed_at ON call_log(completed_at);`,
}

type Journal struct {
	db *sql.DB
}

var _ dispatch.Recorder = (*Journal)(nil)

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	// Lane workers record concurrently.
	db, err := storage.OpenSQLite(ctx, path, Schema, storage.SingleConn(), storage.WAL())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a completion. Re-recording the same call ID replaces the row.
func (j *Journal) Record(ctx context.Context, c dispatch.Completion) error {
	inv := c.Invocation
	if inv.ID == "" {
		return fmt.Errorf("call id is empty")
	}

	status := StatusSucceeded
	var lastError any
	if err := c.Outcome.Err(); err != nil {
		status = StatusFailed
		msg := err.Error()
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = msg
	}

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO call_log(
  id, method, handle, lane, status, args_bytes, result_bytes, last_error,
  submitted_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, inv.ID, inv.Method, inv.Handle, string(inv.Lane), status, len(inv.Args), len(c.Outcome.Result()), lastError,
		formatTime(inv.SubmittedAt), formatTime(c.StartedAt), formatTime(c.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert call_log: %w", err)
	}
	return nil
}

// Get returns one call by ID, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, method, handle, lane, status, args_bytes, result_bytes, last_error,
  submitted_at, started_at, completed_at
FROM call_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return e, nil
}

// Recent returns up to limit calls, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, method, handle, lane, status, args_bytes, result_bytes, last_error,
  submitted_at, started_at, completed_at
FROM call_log
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		statusS      string
		lastError    sql.NullString
		submittedAtS string
		startedAtS   string
		completedAtS string
	)
	if err := s.Scan(
		&e.ID, &e.Method, &e.Handle, &e.Lane, &statusS, &e.ArgsBytes, &e.ResultBytes, &lastError,
		&submittedAtS, &startedAtS, &completedAtS,
	); err != nil {
		return nil, err
	}
	e.Status = Status(statusS)
	if lastError.Valid {
		e.Error = &lastError.String
	}
	e.SubmittedAt = parseTime(submittedAtS)
	e.StartedAt = parseTime(startedAtS)
	e.CompletedAt = parseTime(completedAtS)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
