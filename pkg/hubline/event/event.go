// Package event defines the immutable event value that flows through the hub,
// the topic naming conventions used by the marketplace, and the framing used to
// carry events over server-sent events and websockets.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved field names inside an event object.
const (
	FieldType  = "type"
	FieldTopic = "topic"
	FieldID    = "id"
)

var (
	ErrNotObject   = errors.New("event payload is not a JSON object")
	ErrMissingType = errors.New("event payload has no type")
)

// Event is a decoded event payload: a JSON object with at least a "type" field,
// optionally a "topic" used for demultiplexing, and any number of domain fields.
//
// Events are immutable. The With* methods return modified copies.
type Event struct {
	Type  string
	Topic string
	ID    string

	fields map[string]json.RawMessage
}

// Parse decodes a JSON object into an Event. Payloads that are not JSON objects
// are rejected; a missing type is allowed and yields an event with an empty Type.
func Parse(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Event{}, ErrNotObject
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}

	ev := Event{fields: fields}
	ev.Type = stringField(fields, FieldType)
	ev.Topic = stringField(fields, FieldTopic)
	ev.ID = stringField(fields, FieldID)

	return ev, nil
}

// New builds an event of the given type from a set of domain fields.
// Each field value is marshalled to JSON.
func New(eventType string, fields map[string]any) (Event, error) {
	if eventType == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Type: eventType, fields: make(map[string]json.RawMessage, len(fields)+1)}
	for key, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode field %q: %w", key, err)
		}
		ev.fields[key] = raw
	}

	ev.fields[FieldType], _ = json.Marshal(eventType)
	ev.Topic = stringField(ev.fields, FieldTopic)
	ev.ID = stringField(ev.fields, FieldID)

	return ev, nil
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(eventType string, fields map[string]any) Event {
	ev, err := New(eventType, fields)
	if err != nil {
		panic(err)
	}
	return ev
}

// WithTopic returns a copy of the event carrying the given topic.
func (e Event) WithTopic(topic string) Event {
	return e.withString(FieldTopic, topic, func(c *Event) { c.Topic = topic })
}

// WithID returns a copy of the event carrying the given ID.
func (e Event) WithID(id string) Event {
	return e.withString(FieldID, id, func(c *Event) { c.ID = id })
}

func (e Event) withString(key, value string, set func(*Event)) Event {
	c := Event{Type: e.Type, Topic: e.Topic, ID: e.ID}
	c.fields = make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		c.fields[k] = v
	}
	c.fields[key], _ = json.Marshal(value)
	set(&c)
	return c
}

// Has reports whether the event carries the named field.
func (e Event) Has(name string) bool {
	_, ok := e.fields[name]
	return ok
}

// Field decodes a single named field into v.
func (e Event) Field(name string, v any) error {
	raw, ok := e.fields[name]
	if !ok {
		return fmt.Errorf("event %q has no field %q", e.Type, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode field %q of event %q: %w", name, e.Type, err)
	}
	return nil
}

// Decode decodes the whole event object into v.
func (e Event) Decode(v any) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// MarshalJSON encodes the event back into a JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.fields == nil {
		return json.Marshal(map[string]string{FieldType: e.Type})
	}
	return json.Marshal(e.fields)
}

// UnmarshalJSON lets an Event be embedded in other JSON documents.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := Parse(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
