package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalPayload encodes r for queue persistence and remote transport.
//
// The encoding is deterministic for a given Record: fixed struct field
// order, no HTML escaping, no trailing newline. Pending is local state
// and is never encoded.
func MarshalPayload(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.Key(), err)
	}

	// json.Encoder adds a trailing newline, remove it
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// UnmarshalPayload decodes a payload produced by MarshalPayload.
func UnmarshalPayload(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record payload: %w", err)
	}
	return r, nil
}
