package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// JournalEntry is one journal record: field name to value.
type JournalEntry map[string]string

// JournalReader reads structured journal entries.
//
// SeekTail and AddMatch configure the reader and must be called before the
// first Next. Next blocks until an entry is available or ctx is done.
type JournalReader interface {
	SeekTail() error
	AddMatch(match string) error
	Next(ctx context.Context) (JournalEntry, error)
	Close() error
}

// splitMatch parses a FIELD=value match.
func splitMatch(match string) (field, value string, err error) {
	i := strings.IndexByte(match, '=')
	if i <= 0 {
		return "", "", fmt.Errorf("match %q is not of the form FIELD=value", match)
	}
	return match[:i], match[i+1:], nil
}

// matchSet applies journald match semantics: matches on the same field are
// alternatives, matches on different fields must all hold.
type matchSet map[string][]string

func (ms matchSet) add(match string) error {
	field, value, err := splitMatch(match)
	if err != nil {
		return err
	}
	if !slices.Contains(ms[field], value) {
		ms[field] = append(ms[field], value)
	}
	return nil
}

func (ms matchSet) matches(e JournalEntry) bool {
	for field, values := range ms {
		v, ok := e[field]
		if !ok || !slices.Contains(values, v) {
			return false
		}
	}
	return true
}

// parseJournalJSON decodes one entry of `journalctl --output=json`.
func parseJournalJSON(line []byte) (JournalEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	entry := make(JournalEntry, len(raw))
	for k, v := range raw {
		if s, ok := journalValue(v); ok {
			entry[k] = s
		}
	}
	return entry, nil
}

// journalValue flattens a journal JSON field value. Strings are kept, byte
// arrays (non-UTF-8 payloads) become strings, null (value too large to
// export) is absent, and repeated fields keep their JSON text.
func journalValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	var octets []int
	if err := json.Unmarshal(raw, &octets); err == nil {
		b := make([]byte, len(octets))
		for i, o := range octets {
			b[i] = byte(o)
		}
		return string(b), true
	}

	return string(raw), true
}
