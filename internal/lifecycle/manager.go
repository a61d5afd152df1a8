// Package lifecycle prepares the engine's directories and initializes it once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/repmbridge/internal/engine"
	"github.com/mattjoyce/repmbridge/internal/events"
	"github.com/mattjoyce/repmbridge/internal/log"
)

const (
	dataDirName = "data"
	tempDirName = "temp"
)

// ErrNotStarted is reported by Err before Start has finished.
var ErrNotStarted = errors.New("engine lifecycle not started")

// Manager owns the engine's one initialization attempt.
type Manager struct {
	dataDir string
	tempDir string
	engine  engine.Engine
	sink    engine.LogSink
	events  events.Publisher
	logger  *slog.Logger

	once  sync.Once
	ready chan struct{}

	mu   sync.Mutex
	err  error
	done bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogSink forwards engine log lines. A nil sink drops them.
func WithLogSink(sink engine.LogSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithEvents publishes engine.initialized / engine.init_failed.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// New lays out <root>/data and <root>/temp. Nothing touches the disk until Start.
func New(root string, eng engine.Engine, opts ...Option) *Manager {
	m := &Manager{
		dataDir: filepath.Join(root, dataDirName),
		tempDir: filepath.Join(root, tempDirName),
		engine:  eng,
		logger:  log.WithComponent("lifecycle"),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DataDir is the durable directory handed to the engine.
func (m *Manager) DataDir() string { return m.dataDir }

// TempDir is the scratch directory handed to the engine.
func (m *Manager) TempDir() string { return m.tempDir }

// Ready is closed once the initialization attempt has finished, whether or
// not it succeeded.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Err reports the initialization failure, nil on success, or ErrNotStarted.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.done {
		return ErrNotStarted
	}
	return m.err
}

// Start runs the initialization attempt. Only the first call does anything.
// Failures are logged and recorded, never returned.
func (m *Manager) Start(ctx context.Context) {
	m.once.Do(func() {
		err := m.initialize(ctx)

		m.mu.Lock()
		m.err = err
		m.done = true
		m.mu.Unlock()

		if m.events != nil {
			if err != nil {
				m.events.Publish(events.TypeEngineInitFailed, map[string]any{"error": err.Error()})
			} else {
				m.events.Publish(events.TypeEngineInitialized, map[string]any{
					"data_dir": m.dataDir,
					"temp_dir": m.tempDir,
				})
			}
		}
		close(m.ready)
	})
}

func (m *Manager) initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		m.logger.Error("engine initialization skipped", "error", err)
		return err
	}

	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		m.logger.Error("could not create temp directory", "path", m.tempDir, "error", err)
		return fmt.Errorf("create temp directory: %w", err)
	}

	if err := m.callInit(); err != nil {
		m.logger.Error("could not initialize engine", "data_dir", m.dataDir, "error", err)
		return err
	}

	m.logger.Info("engine initialized", "data_dir", m.dataDir, "temp_dir", m.tempDir)
	return nil
}

func (m *Manager) callInit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine init panic: %v", r)
		}
	}()
	if err := m.engine.Init(m.dataDir, m.tempDir, m.sink); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	return nil
}

// Close removes the temp directory. The data directory is never touched.
func (m *Manager) Close() error {
	if err := os.RemoveAll(m.tempDir); err != nil {
		return fmt.Errorf("remove temp directory: %w", err)
	}
	return nil
}
