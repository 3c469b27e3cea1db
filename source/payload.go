package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// parseBody decodes raw as JSON. When raw is not valid JSON the raw string is
// returned unchanged and ok is false; this is never an error for the caller.
//
// Numbers are kept as json.Number so integers beyond 2^53 survive re-encoding.
func parseBody(raw []byte) (v any, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw), false
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return string(raw), false
	}
	return v, true
}
