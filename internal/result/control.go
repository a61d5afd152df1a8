package result

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mattjoyce/repmbridge/internal/log"
)

// ControlThread schedules callbacks onto the single context allowed to touch
// the boundary transport.
type ControlThread interface {
	Post(fn func())
}

// Direct runs callbacks inline on the caller. Use it for boundaries that have
// no thread affinity.
type Direct struct{}

// Post runs fn before returning.
func (Direct) Post(fn func()) { fn() }

// Loop is a ControlThread backed by one goroutine: whichever goroutine calls
// Run executes every posted callback, one at a time, in post order. Post never
// blocks, so lane workers are not held up by a slow boundary.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	signal  chan struct{}
	logger  *slog.Logger
}

var _ ControlThread = (*Loop)(nil)

// NewLoop returns an idle loop. Nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{
		pending: make([]func(), 0, 64),
		signal:  make(chan struct{}, 1),
		logger:  log.WithComponent("control"),
	}
}

// Post queues fn for the loop goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Run executes callbacks until ctx is done. Callbacks already queued when ctx
// ends are still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

// run executes one callback. A panicking callback is logged and the loop
// moves on to the next one.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("control callback panic recovered", "panic", r, "stack_trace", string(debug.Stack()))
		}
	}()
	fn()
}
