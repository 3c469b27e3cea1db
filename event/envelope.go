package event

import (
	"encoding/json"
	"maps"
)

// MetaMessageID is the meta key carrying the remote message identifier.
const MetaMessageID = "MessageId"

// Envelope is the normalized unit moving from a source to the ingestion queue.
//
// An Envelope has one of two shapes:
//
//	{"body": <value>, "meta": {...}}   message-style sources (queues, topics)
//	{"<tag>": {...}}                   record-style sources (journal)
//
// Envelopes are immutable once built: constructors and accessors copy maps.
// A parsed Body is shared as-is and must not be mutated by consumers.
type Envelope struct {
	tag    string
	body   any
	meta   map[string]string
	fields map[string]string
}

// NewMessage builds a body/meta envelope.
func NewMessage(body any, meta map[string]string) Envelope {
	return Envelope{body: body, meta: cloneOrEmpty(meta)}
}

// NewTagged builds an envelope keyed by a source tag.
func NewTagged(tag string, fields map[string]string) Envelope {
	return Envelope{tag: tag, fields: cloneOrEmpty(fields)}
}

func (e Envelope) IsTagged() bool { return e.tag != "" }

// Tag returns the source tag, or "" for message envelopes.
func (e Envelope) Tag() string { return e.tag }

func (e Envelope) Body() any { return e.body }

func (e Envelope) Meta() map[string]string { return maps.Clone(e.meta) }

func (e Envelope) Fields() map[string]string { return maps.Clone(e.fields) }

// Map returns the wire shape of the envelope.
func (e Envelope) Map() map[string]any {
	if e.IsTagged() {
		return map[string]any{e.tag: maps.Clone(e.fields)}
	}
	return map[string]any{
		"body": e.body,
		"meta": maps.Clone(e.meta),
	}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func cloneOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}
