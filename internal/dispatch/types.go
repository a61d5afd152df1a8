package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/repmbridge/internal/result"
	"github.com/mattjoyce/repmbridge/internal/router"
)

var (
	// ErrLaneFull is returned when a lane's queue has no free slot.
	ErrLaneFull = errors.New("lane queue is full")
	// ErrShutdown is returned for calls submitted or still queued after shutdown.
	ErrShutdown = errors.New("dispatcher is shutting down")
)

// Invocation is one boundary call. Lane is stamped by Submit.
type Invocation struct {
	ID          string
	Method      string
	Handle      string
	Args        []byte
	Lane        router.Lane
	SubmittedAt time.Time
}

// NewInvocation builds an Invocation with a fresh ID. args is copied so the
// caller may reuse its buffer.
func NewInvocation(method, handle string, args []byte) Invocation {
	var cp []byte
	if args != nil {
		cp = make([]byte, len(args))
		copy(cp, args)
	}
	return Invocation{
		ID:          uuid.NewString(),
		Method:      method,
		Handle:      handle,
		Args:        cp,
		SubmittedAt: time.Now(),
	}
}

// Completion summarizes a finished call for recorders.
type Completion struct {
	Invocation  Invocation
	Outcome     result.Outcome
	StartedAt   time.Time
	CompletedAt time.Time
}

// Recorder persists completions. Errors are logged and otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, c Completion) error
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Name     router.Lane `json:"name"`
	Workers  int         `json:"workers"`
	Queued   int         `json:"queued"`
	Capacity int         `json:"capacity"`
	InFlight int         `json:"in_flight"`
}
