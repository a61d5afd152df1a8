package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/repmbridge/internal/engine"
	"github.com/mattjoyce/repmbridge/internal/events"
	"github.com/mattjoyce/repmbridge/internal/log"
	"github.com/mattjoyce/repmbridge/internal/result"
	"github.com/mattjoyce/repmbridge/internal/router"
)

const (
	// DefaultQueueDepth bounds each lane when no depth is configured.
	DefaultQueueDepth = 256

	// recordTimeout caps how long a recorder may hold up a worker.
	recordTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("dispatcher already running")

type task struct {
	inv   Invocation
	reply result.Reply
}

type lane struct {
	name     router.Lane
	workers  int
	queue    chan task
	inflight atomic.Int32
}

// Dispatcher routes invocations to lanes and runs them on the engine.
type Dispatcher struct {
	engine  engine.Engine
	router  *router.Router
	adapter *result.Adapter
	lanes   map[router.Lane]*lane
	order   []router.Lane

	ready    <-chan struct{}
	recorder Recorder
	events   events.Publisher
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	stop    chan struct{}
	running atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	queueDepth int
	poolSize   int
	ready      <-chan struct{}
	recorder   Recorder
	events     events.Publisher
}

// WithQueueDepth bounds every lane queue. Non-positive values keep the default.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithPoolSize sets the worker count of the pool lane. Non-positive values
// keep runtime.NumCPU().
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithReady gates every engine call on ch being closed.
func WithReady(ch <-chan struct{}) Option {
	return func(o *options) { o.ready = ch }
}

// WithRecorder persists every completion.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithEvents publishes completions and rejections.
func WithEvents(p events.Publisher) Option {
	return func(o *options) { o.events = p }
}

// New creates a Dispatcher. Lanes are built from the router's policy; nothing
// runs until Run is called, but Submit already accepts work into the queues.
func New(eng engine.Engine, rt *router.Router, adapter *result.Adapter, opts ...Option) *Dispatcher {
	o := options{queueDepth: DefaultQueueDepth, poolSize: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if adapter == nil {
		adapter = result.NewAdapter(nil, result.EncodingText)
	}
	ready := o.ready
	if ready == nil {
		ch := make(chan struct{})
		close(ch)
		ready = ch
	}

	d := &Dispatcher{
		engine:   eng,
		router:   rt,
		adapter:  adapter,
		lanes:    make(map[router.Lane]*lane),
		ready:    ready,
		recorder: o.recorder,
		events:   o.events,
		logger:   log.WithComponent("dispatch"),
		stop:     make(chan struct{}),
	}
	for _, name := range rt.Lanes() {
		workers := 1
		if name == router.LanePool {
			workers = o.poolSize
		}
		d.lanes[name] = &lane{name: name, workers: workers, queue: make(chan task, o.queueDepth)}
		d.order = append(d.order, name)
	}
	return d
}

// Policy reports the router policy the dispatcher was built with.
func (d *Dispatcher) Policy() router.Policy { return d.router.Policy() }

// Submit enqueues inv on its lane and returns it with ID, SubmittedAt and
// Lane filled in. It never blocks. reply receives exactly one delivery: the
// call's outcome, or a rejection when the lane is full or the dispatcher has
// shut down. The returned error mirrors the rejection.
func (d *Dispatcher) Submit(inv Invocation, reply result.Reply) (Invocation, error) {
	if inv.ID == "" {
		stamped := NewInvocation(inv.Method, inv.Handle, inv.Args)
		inv.ID = stamped.ID
	}
	if inv.SubmittedAt.IsZero() {
		inv.SubmittedAt = time.Now()
	}
	inv.Lane = d.router.Route(inv.Method)
	l := d.lanes[inv.Lane]

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.reject(inv, reply, ErrShutdown)
		return inv, ErrShutdown
	}
	select {
	case l.queue <- task{inv: inv, reply: reply}:
		d.mu.RUnlock()
		return inv, nil
	default:
		d.mu.RUnlock()
		err := fmt.Errorf("%w: %s", ErrLaneFull, inv.Lane)
		d.reject(inv, reply, err)
		return inv, err
	}
}

// Run starts every lane's workers and blocks until ctx is cancelled. In-flight
// engine calls finish; anything still queued fails with ErrShutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	d.logger.Info("dispatcher started", "policy", d.router.Policy(), "lanes", len(d.lanes))
	defer d.logger.Info("dispatcher stopped")

	g, _ := newSafeGroup(context.Background(), d.logger)
	for _, name := range d.order {
		l := d.lanes[name]
		for i := 0; i < l.workers; i++ {
			g.Go(func() error {
				d.work(l)
				return nil
			})
		}
	}

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	close(d.stop)
	for _, l := range d.lanes {
		close(l.queue)
	}
	d.mu.Unlock()

	if err := g.Wait(); err != nil {
		d.logger.Error("lane worker exited abnormally", "error", err)
	}
	return ctx.Err()
}

// Stats returns one entry per lane in a stable order.
func (d *Dispatcher) Stats() []LaneStats {
	out := make([]LaneStats, 0, len(d.order))
	for _, name := range d.order {
		l := d.lanes[name]
		out = append(out, LaneStats{
			Name:     name,
			Workers:  l.workers,
			Queued:   len(l.queue),
			Capacity: cap(l.queue),
			InFlight: int(l.inflight.Load()),
		})
	}
	return out
}

func (d *Dispatcher) work(l *lane) {
	for t := range l.queue {
		select {
		case <-d.stop:
			d.fail(t, ErrShutdown)
			continue
		default:
		}

		// Engine init must complete before the first call, even if it fails.
		select {
		case <-d.ready:
		case <-d.stop:
			d.fail(t, ErrShutdown)
			continue
		}

		d.execute(l, t)
	}
}

func (d *Dispatcher) execute(l *lane, t task) {
	l.inflight.Add(1)
	started := time.Now()
	outcome := d.invoke(t.inv)
	completed := time.Now()
	l.inflight.Add(-1)

	d.guard("deliver", t.inv, func() { d.adapter.Deliver(outcome, t.reply) })

	logger := log.WithCall(t.inv.ID).With(
		"method", t.inv.Method,
		"handle", t.inv.Handle,
		"lane", t.inv.Lane,
		"duration_ms", completed.Sub(started).Milliseconds(),
	)
	if err := outcome.Err(); err != nil {
		logger.Warn("call failed", "error", err)
	} else {
		logger.Debug("call completed", "result_bytes", len(outcome.Result()))
	}

	d.guard("complete", t.inv, func() {
		d.complete(Completion{Invocation: t.inv, Outcome: outcome, StartedAt: started, CompletedAt: completed})
	})
}

// guard runs one stage of a call's post-processing on the worker. A panic in a
// reply, recorder or subscriber is logged and dropped so the lane keeps serving.
func (d *Dispatcher) guard(stage string, inv Invocation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("call "+stage+" panic recovered",
				"call_id", inv.ID,
				"method", inv.Method,
				"lane", inv.Lane,
				"panic", r,
				"stack_trace", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// invoke runs one engine call. A panicking engine yields a Failure.
func (d *Dispatcher) invoke(inv Invocation) (out result.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("engine panic recovered",
				"call_id", inv.ID,
				"method", inv.Method,
				"panic", r,
				"stack_trace", string(debug.Stack()),
			)
			out = result.Failure(fmt.Errorf("engine panic: %v", r))
		}
	}()

	b, err := d.engine.Dispatch(inv.Handle, inv.Method, inv.Args)
	if err != nil {
		return result.Failure(err)
	}
	return result.Success(b)
}

func (d *Dispatcher) fail(t task, err error) {
	now := time.Now()
	outcome := result.Failure(err)
	d.guard("deliver", t.inv, func() { d.adapter.Deliver(outcome, t.reply) })
	d.guard("complete", t.inv, func() {
		d.complete(Completion{Invocation: t.inv, Outcome: outcome, StartedAt: now, CompletedAt: now})
	})
}

func (d *Dispatcher) reject(inv Invocation, reply result.Reply, err error) {
	d.logger.Warn("call rejected", "call_id", inv.ID, "method", inv.Method, "lane", inv.Lane, "error", err)
	d.adapter.Deliver(result.Failure(err), reply)
	if d.events != nil {
		d.events.Publish(events.TypeCallRejected, map[string]any{
			"call_id": inv.ID,
			"method":  inv.Method,
			"handle":  inv.Handle,
			"lane":    inv.Lane,
			"error":   err.Error(),
		})
	}
}

func (d *Dispatcher) complete(c Completion) {
	if d.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := d.recorder.Record(ctx, c); err != nil {
			d.logger.Error("failed to record call", "call_id", c.Invocation.ID, "error", err)
		}
		cancel()
	}
	if d.events != nil {
		data := map[string]any{
			"call_id":     c.Invocation.ID,
			"method":      c.Invocation.Method,
			"handle":      c.Invocation.Handle,
			"lane":        c.Invocation.Lane,
			"ok":          c.Outcome.OK(),
			"duration_ms": c.CompletedAt.Sub(c.StartedAt).Milliseconds(),
		}
		if err := c.Outcome.Err(); err != nil {
			data["error"] = err.Error()
		}
		d.events.Publish(events.TypeCallCompleted, data)
	}
}
