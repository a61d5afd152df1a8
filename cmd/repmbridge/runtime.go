package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/repmbridge/internal/auth"
	"github.com/mattjoyce/repmbridge/internal/config"
	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/engine"
	"github.com/mattjoyce/repmbridge/internal/events"
	"github.com/mattjoyce/repmbridge/internal/journal"
	"github.com/mattjoyce/repmbridge/internal/kvengine"
	"github.com/mattjoyce/repmbridge/internal/lifecycle"
	"github.com/mattjoyce/repmbridge/internal/lock"
	"github.com/mattjoyce/repmbridge/internal/log"
	"github.com/mattjoyce/repmbridge/internal/result"
	"github.com/mattjoyce/repmbridge/internal/router"
)

const eventBufferSize = 256

// runtime is every long-lived component for one storage root, wired together
// but not yet running.
type runtime struct {
	cfg        *config.Config
	root       string
	lock       *lock.PIDLock
	engine     *kvengine.Engine
	lifecycle  *lifecycle.Manager
	hub        *events.Hub
	journal    *journal.Journal
	loop       *result.Loop
	adapter    *result.Adapter
	router     *router.Router
	dispatcher *dispatch.Dispatcher
}

// newRuntime takes the storage root's lock and assembles the components.
// Callers must call close.
func newRuntime(ctx context.Context, cfg *config.Config, encoding result.Encoding) (*runtime, error) {
	root, err := cfg.ResolveRoot()
	if err != nil {
		return nil, err
	}

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(root))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", root, err)
	}

	rt := &runtime{cfg: cfg, root: root, lock: pidLock}

	rt.engine = kvengine.New(
		kvengine.WithSyncRemote(cfg.Engine.SyncRemote),
		kvengine.WithSyncTimeout(cfg.Engine.SyncTimeout),
	)
	rt.hub = events.NewHub(eventBufferSize)

	var sink engine.LogSink
	if cfg.Engine.ForwardLogs {
		sink = log.EngineSink()
	}
	rt.lifecycle = lifecycle.New(root, rt.engine, lifecycle.WithLogSink(sink), lifecycle.WithEvents(rt.hub))

	if cfg.Journal.Enabled {
		j, err := journal.Open(ctx, cfg.ResolveJournalPath(root))
		if err != nil {
			_ = pidLock.Release()
			return nil, err
		}
		rt.journal = j
	}

	policy, err := router.ParsePolicy(cfg.Dispatch.Policy)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.router = router.New(policy, cfg.Dispatch.SyncMethods)
	rt.loop = result.NewLoop()
	rt.adapter = result.NewAdapter(rt.loop, encoding)

	opts := []dispatch.Option{
		dispatch.WithReady(rt.lifecycle.Ready()),
		dispatch.WithQueueDepth(cfg.Dispatch.QueueDepth),
		dispatch.WithPoolSize(cfg.Dispatch.PoolSize),
		dispatch.WithEvents(rt.hub),
	}
	if rt.journal != nil {
		opts = append(opts, dispatch.WithRecorder(rt.journal))
	}
	rt.dispatcher = dispatch.New(rt.engine, rt.router, rt.adapter, opts...)
	return rt, nil
}

// tokens converts configured API tokens for the auth package.
func (rt *runtime) tokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(rt.cfg.Boundary.Auth.Tokens))
	for _, t := range rt.cfg.Boundary.Auth.Tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// close releases everything newRuntime acquired. The dispatcher must have
// stopped first.
func (rt *runtime) close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close())
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close())
	}
	if rt.lifecycle != nil {
		errs = append(errs, rt.lifecycle.Close())
	}
	errs = append(errs, rt.lock.Release())
	return errors.Join(errs...)
}
