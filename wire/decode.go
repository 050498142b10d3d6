package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// Decode reads a JSON body into v. When strict is true, unknown top-level
// fields are rejected; loose mode tolerates them for forward compatibility.
func Decode(r io.Reader, v any, strict bool) error {
	dec := json.NewDecoder(r)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return fmt.Errorf("decode envelope: trailing data after JSON value")
	}
	return nil
}
