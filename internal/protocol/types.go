// Package protocol is the JSON wire format of the HTTP boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CallRequest is the body of POST /call/{method}: {"args": [handle, payload]}.
type CallRequest struct {
	Args []json.RawMessage `json:"args"`
}

// Call is a decoded CallRequest.
type Call struct {
	Handle  string
	Payload []byte
}

// SuccessResponse carries a call result. Result is always present, even when "".
type SuccessResponse struct {
	Result any `json:"result"`
}

// ErrorResponse carries a call failure.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the boundary's error triple. Details is always null today.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

// ByteArray encodes as a JSON array of byte values instead of base64.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
