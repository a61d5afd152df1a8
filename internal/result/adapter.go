// Package result carries engine outcomes back across the boundary.
//
// Lane workers never touch the boundary transport. They hand an Outcome to the
// Adapter, which converts it into the boundary's shape and posts the delivery
// onto the ControlThread.
package result

import (
	"fmt"
	"strings"
)

// ErrorCode is the fixed category label attached to every boundary error.
const ErrorCode = "Replicache error"

// Encoding selects how success payloads cross the boundary.
type Encoding int

const (
	// EncodingText converts result bytes to a string. Non-UTF-8 payloads are
	// not preserved; boundaries that predate byte support depend on it.
	EncodingText Encoding = iota
	// EncodingBytes passes result bytes through untouched.
	EncodingBytes
)

func (e Encoding) String() string {
	if e == EncodingBytes {
		return "bytes"
	}
	return "text"
}

// ParseEncoding maps a config value onto an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return EncodingText, nil
	case "bytes":
		return EncodingBytes, nil
	default:
		return EncodingText, fmt.Errorf("unknown encoding %q", s)
	}
}

// Reply is the boundary's per-call result handle. Implementations are only
// ever invoked on the control thread.
type Reply interface {
	Success(payload any)
	Error(code, message string, details any)
}

// Adapter delivers outcomes to replies on a control thread.
type Adapter struct {
	control  ControlThread
	encoding Encoding
}

// NewAdapter returns an adapter posting to control. A nil control delivers inline.
func NewAdapter(control ControlThread, encoding Encoding) *Adapter {
	if control == nil {
		control = Direct{}
	}
	return &Adapter{control: control, encoding: encoding}
}

// Encoding reports the adapter's payload encoding.
func (a *Adapter) Encoding() Encoding { return a.encoding }

// Deliver posts o to reply. Errors carry ErrorCode, the error text and no
// details; successes carry a string or []byte depending on the encoding. An
// empty result is delivered as "" (or an empty slice), never nil.
func (a *Adapter) Deliver(o Outcome, reply Reply) {
	if reply == nil {
		return
	}

	if err := o.Err(); err != nil {
		msg := err.Error()
		if msg == "" {
			msg = ErrUnknown.Error()
		}
		a.control.Post(func() {
			reply.Error(ErrorCode, msg, nil)
		})
		return
	}

	var payload any
	switch a.encoding {
	case EncodingBytes:
		payload = o.Result()
	default:
		payload = string(o.Result())
	}
	a.control.Post(func() {
		reply.Success(payload)
	})
}
