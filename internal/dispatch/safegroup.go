package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// safeGroup is an errgroup whose goroutines cannot take the process down:
// a panic is logged with its stack and returned as an error.
type safeGroup struct {
	group  *errgroup.Group
	logger *slog.Logger
}

func newSafeGroup(ctx context.Context, logger *slog.Logger) (*safeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &safeGroup{group: g, logger: logger}, ctx
}

func (sg *safeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("goroutine panic recovered", "panic", r, "stack_trace", string(debug.Stack()))
				err = fmt.Errorf("goroutine panic: %v", r)
			}
		}()
		return fn()
	})
}

func (sg *safeGroup) Wait() error {
	return sg.group.Wait()
}
