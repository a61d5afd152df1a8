package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteOptions struct {
	singleConn bool
	wal        bool
}

// SQLiteOption configures OpenSQLite.
type SQLiteOption func(*sqliteOptions)

// SingleConn caps the pool at one connection. Pragmas are per connection, so
// this is what keeps busy_timeout in effect for every statement.
func SingleConn() SQLiteOption {
	return func(o *sqliteOptions) { o.singleConn = true }
}

// WAL switches the database to write-ahead logging.
func WAL() SQLiteOption {
	return func(o *sqliteOptions) { o.wal = true }
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// applies schema, a list of idempotent DDL statements.
func OpenSQLite(ctx context.Context, path string, schema []string, opts ...SQLiteOption) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	var o sqliteOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if o.singleConn {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{"foreign_keys = ON", "busy_timeout = 5000"}
	if o.wal {
		pragmas = append(pragmas, "journal_mode = WAL", "synchronous = NORMAL")
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, "PRAGMA "+p+";"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}

	if err := Bootstrap(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap runs each schema statement in order.
func Bootstrap(ctx context.Context, db *sql.DB, schema []string) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite (statement %d): %w", i, err)
		}
	}
	return nil
}
