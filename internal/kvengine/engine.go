// Package kvengine is a SQLite-backed implementation of engine.Engine.
//
// Every handle is a separate database file under the data directory. Arguments
// and results are JSON documents; write-only methods return an empty result.
// The engine is safe for concurrent use: sql.DB serializes per-connection work
// and the handle table is guarded by a mutex.
package kvengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/repmbridge/internal/engine"
	"github.com/mattjoyce/repmbridge/internal/storage"
)

const dbSuffix = ".db"

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (
  id         TEXT PRIMARY KEY,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS bundle (
  slot       INTEGER PRIMARY KEY CHECK (slot = 1),
  code       TEXT NOT NULL,
  hash       TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS sync_log (
  id           TEXT PRIMARY KEY,
  remote       TEXT NOT NULL,
  pushed       INTEGER NOT NULL,
  pulled       INTEGER NOT NULL,
  completed_at TEXT NOT NULL
);`,
}

// Option configures an Engine.
type Option func(*Engine)

// WithSyncRemote sets the default base URL used by requestSync.
func WithSyncRemote(url string) Option {
	return func(e *Engine) { e.remote = strings.TrimRight(url, "/") }
}

// WithSyncTimeout bounds a single requestSync round trip.
func WithSyncTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the client used for sync requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// Engine implements engine.Engine on top of per-handle SQLite files.
type Engine struct {
	mu      sync.Mutex
	ready   bool
	dataDir string
	tempDir string
	sink    engine.LogSink
	dbs     map[string]*sql.DB

	remote string
	client *http.Client
	now    func() time.Time
}

var _ engine.Engine = (*Engine)(nil)

// New creates an uninitialized engine. Every Dispatch fails with
// engine.ErrNotInitialized until Init succeeds.
func New(opts ...Option) *Engine {
	e := &Engine{
		dbs:    make(map[string]*sql.DB),
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init records the directories and verifies they are usable.
func (e *Engine) Init(dataDir, tempDir string, sink engine.LogSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return fmt.Errorf("engine already initialized")
	}
	if dataDir == "" || tempDir == "" {
		return fmt.Errorf("data and temp directories are required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := storage.ValidateLocalFilesystem(dataDir); err != nil {
		return err
	}
	info, err := os.Stat(tempDir)
	if err != nil {
		return fmt.Errorf("stat temp directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("temp path %q is not a directory", tempDir)
	}

	e.dataDir = dataDir
	e.tempDir = tempDir
	e.sink = sink
	e.ready = true
	e.logf("info", "engine initialized", "data_dir", dataDir, "temp_dir", tempDir)
	return nil
}

// Dispatch runs method against handle.
func (e *Engine) Dispatch(handle, method string, args []byte) ([]byte, error) {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return nil, engine.ErrNotInitialized
	}

	fn, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownMethod, method)
	}
	return fn(e, handle, args)
}

// Close closes every open database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, db := range e.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		delete(e.dbs, name)
	}
	return errors.Join(errs...)
}

// open creates or opens the database for handle.
func (e *Engine) open(handle string) error {
	if err := validateHandle(handle); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.dbs[handle]; ok {
		return nil
	}
	db, err := storage.OpenSQLite(context.Background(), e.pathFor(handle), schema, storage.SingleConn())
	if err != nil {
		return fmt.Errorf("open database %q: %w", handle, err)
	}
	e.dbs[handle] = db
	e.logf("info", "database opened", "handle", handle)
	return nil
}

func (e *Engine) close(handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	db, ok := e.dbs[handle]
	if !ok {
		return fmt.Errorf("database %q is not open", handle)
	}
	delete(e.dbs, handle)
	if err := db.Close(); err != nil {
		return fmt.Errorf("close database %q: %w", handle, err)
	}
	e.logf("info", "database closed", "handle", handle)
	return nil
}

// drop closes handle if it is open and removes its file.
func (e *Engine) drop(handle string) error {
	if err := validateHandle(handle); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.dbs[handle]; ok {
		delete(e.dbs, handle)
		_ = db.Close()
	}
	path := e.pathFor(handle)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %q: %w", p, err)
		}
	}
	e.logf("info", "database dropped", "handle", handle)
	return nil
}

// list returns the names of every database file in the data directory.
func (e *Engine) list() ([]string, error) {
	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), dbSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(ent.Name(), dbSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) db(handle string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	db, ok := e.dbs[handle]
	if !ok {
		return nil, fmt.Errorf("database %q is not open", handle)
	}
	return db, nil
}

func (e *Engine) pathFor(handle string) string {
	return filepath.Join(e.dataDir, handle+dbSuffix)
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) logf(level, msg string, args ...any) {
	if e.sink != nil {
		e.sink(level, msg, args...)
	}
}

func validateHandle(handle string) error {
	if !handlePattern.MatchString(handle) || strings.Contains(handle, "..") {
		return fmt.Errorf("invalid database name %q", handle)
	}
	return nil
}

// decodeArgs unmarshals args into v. Empty args decode as an empty object.
func decodeArgs(args []byte, v any) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
