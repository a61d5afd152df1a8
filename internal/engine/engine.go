// Package engine defines the capability the dispatcher forwards calls to.
//
// The backing engine is opaque: it is initialized once with a data directory,
// a temp directory and an optional log sink, and after that every call is a
// (handle, method, args) triple answered with result bytes or an error. Handle
// names belong to the engine; callers pass them through without validation.
package engine

import "errors"

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/repmbridge/internal/engine Engine

var (
	// ErrNotInitialized is returned by engines that receive a call before Init succeeded.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrUnknownMethod is returned for method names the engine does not implement.
	ErrUnknownMethod = errors.New("unknown method")
)

// LogSink receives engine log lines. Level is one of debug, info, warn, error.
type LogSink func(level, msg string, args ...any)

// Engine is the backing synchronization engine.
type Engine interface {
	// Init prepares the engine to serve calls. It is called at most once.
	Init(dataDir, tempDir string, sink LogSink) error

	// Dispatch runs method against the database named by handle.
	// A nil error with empty result is a successful call with no payload.
	Dispatch(handle, method string, args []byte) ([]byte, error)
}
