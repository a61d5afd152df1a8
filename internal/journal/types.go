package journal

import (
	"errors"
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Entry is one journaled call.
type Entry struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	Handle      string    `json:"handle"`
	Lane        string    `json:"lane"`
	Status      Status    `json:"status"`
	ArgsBytes   int       `json:"args_bytes"`
	ResultBytes int       `json:"result_bytes"`
	Error       *string   `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

var ErrNotFound = errors.New("call not found")
