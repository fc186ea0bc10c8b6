package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// WebSocket subprotocols a client may negotiate.
const (
	SubprotocolJSON  = "relay.v1.json"
	SubprotocolProto = "relay.v1.proto"
)

// Codec converts events to and from wire frames.
type Codec interface {
	Encode(e Event) ([]byte, error)
	Decode(data []byte) (Event, error)
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	// Name returns the subprotocol the codec implements.
	Name() string
}

// CodecFor returns the codec for a negotiated subprotocol.
// Anything other than SubprotocolProto falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolProto {
		return ProtoCodec{}
	}
	return JSONCodec{}
}

// Supported reports whether the relay can speak the given subprotocol.
func Supported(subprotocol string) bool {
	return subprotocol == SubprotocolJSON || subprotocol == SubprotocolProto
}

// JSONCodec encodes events as {"type": ..., "content": ...} text frames.
type JSONCodec struct{}

type jsonEvent struct {
	Type    string  `json:"type"`
	Content *string `json:"content,omitempty"`
}

func (JSONCodec) Encode(e Event) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	wire := jsonEvent{Type: e.Type.String()}
	if e.Type != EventDone {
		content := e.Content
		wire.Content = &content
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Event, error) {
	var wire jsonEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	e := Event{Type: EventType(wire.Type)}
	if wire.Content != nil {
		e.Content = *wire.Content
	}
	if err := e.validate(); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Name() string { return SubprotocolJSON }

// ProtoCodec encodes events as a protobuf Struct with the same fields as the
// JSON form, sent as binary frames.
type ProtoCodec struct{}

func (ProtoCodec) Encode(e Event) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	fields := map[string]any{"type": e.Type.String()}
	if e.Type != EventDone {
		fields["content"] = e.Content
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

func (ProtoCodec) Decode(data []byte) (Event, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	fields := s.GetFields()
	e := Event{
		Type:    EventType(fields["type"].GetStringValue()),
		Content: fields["content"].GetStringValue(),
	}
	if err := e.validate(); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Name() string { return SubprotocolProto }
