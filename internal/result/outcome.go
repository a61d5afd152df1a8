package result

import "errors"

// ErrUnknown stands in for a failure that carried no error value.
var ErrUnknown = errors.New("unknown engine failure")

// Outcome is the result of one engine call: result bytes or an error, never
// both and never neither. The zero Outcome reads as Failure(ErrUnknown).
type Outcome struct {
	result []byte
	err    error
}

// Success wraps engine result bytes. Nil becomes an empty, non-nil slice so
// an empty payload is still distinguishable from a failure.
func Success(b []byte) Outcome {
	if b == nil {
		b = []byte{}
	}
	return Outcome{result: b}
}

// Failure wraps an engine error. A nil err is recorded as ErrUnknown.
func Failure(err error) Outcome {
	if err == nil {
		err = ErrUnknown
	}
	return Outcome{err: err}
}

// Err returns the failure, or nil for a success.
func (o Outcome) Err() error {
	if o.err == nil && o.result == nil {
		return ErrUnknown
	}
	return o.err
}

// Result returns the success bytes, or nil for a failure.
func (o Outcome) Result() []byte {
	if o.Err() != nil {
		return nil
	}
	return o.result
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err() == nil }
