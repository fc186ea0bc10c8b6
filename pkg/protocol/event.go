// Package protocol defines the events the relay sends to its clients and the
// codecs that put them on the wire.
package protocol

import (
	"errors"
	"fmt"
)

// EventType is the discriminant of an outbound event.
type EventType string

const (
	// EventChunk carries one incremental fragment of the response.
	EventChunk EventType = "chunk"
	// EventDone marks the successful end of a turn.
	EventDone EventType = "done"
	// EventError marks a failed turn. Content is a generic user-facing message.
	EventError EventType = "error"
)

// ErrUnknownEventType is returned when decoding an event with an unrecognised type.
var ErrUnknownEventType = errors.New("unknown event type")

// String returns the wire name of the event type.
func (t EventType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventChunk, EventDone, EventError:
		return true
	default:
		return false
	}
}

// Terminal reports whether an event of this type ends a turn.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is a single relay-to-client message.
type Event struct {
	Type    EventType
	Content string
}

// Chunk returns a chunk event carrying text.
func Chunk(text string) Event {
	return Event{Type: EventChunk, Content: text}
}

// Done returns the successful terminal event.
func Done() Event {
	return Event{Type: EventDone}
}

// Error returns the failure terminal event with a user-facing message.
func Error(message string) Event {
	return Event{Type: EventError, Content: message}
}

func (e Event) String() string {
	if e.Type == EventDone {
		return "done"
	}
	return fmt.Sprintf("%s(%q)", e.Type, e.Content)
}

func (e Event) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, string(e.Type))
	}
	return nil
}
