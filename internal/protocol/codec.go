package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxBodyBytes caps a boundary request body.
const MaxBodyBytes = 16 << 20

// DecodeCall reads a CallRequest from r. args[0] is the handle; the optional
// args[1] is either a JSON string or an array of byte values.
func DecodeCall(r io.Reader) (*Call, error) {
	var req CallRequest

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return nil, fmt.Errorf("args must be [handle] or [handle, payload], got %d values", len(req.Args))
	}

	var call Call
	if err := json.Unmarshal(req.Args[0], &call.Handle); err != nil {
		return nil, fmt.Errorf("args[0] must be a string handle")
	}
	if len(req.Args) == 2 {
		payload, err := DecodePayload(req.Args[1])
		if err != nil {
			return nil, fmt.Errorf("args[1]: %w", err)
		}
		call.Payload = payload
	}
	return &call, nil
}

// DecodePayload turns a JSON string or byte array into raw bytes. Null and
// absent payloads decode to nil.
func DecodePayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid string payload: %w", err)
		}
		return []byte(s), nil
	case '[':
		var b ByteArray
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("payload must be a string or an array of bytes")
	}
}

// EncodeSuccess writes a SuccessResponse. A []byte result is written as a
// byte array, anything else as-is.
func EncodeSuccess(w io.Writer, result any) error {
	if b, ok := result.([]byte); ok {
		result = ByteArray(b)
	}
	if err := json.NewEncoder(w).Encode(SuccessResponse{Result: result}); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// EncodeError writes an ErrorResponse.
func EncodeError(w io.Writer, code, message string, details any) error {
	resp := ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode error: %w", err)
	}
	return nil
}
