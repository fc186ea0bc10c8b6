// Package chat holds the per-connection relay logic shared by all transports.
package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/omochice/token-relay/pkg/protocol"
)

// ErrMessageTooLarge is wrapped by Conn.Read when an inbound message exceeded
// the transport's size limit. The oversized message has been consumed and the
// connection is still usable.
var ErrMessageTooLarge = errors.New("message too large")

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single inbound message.
	// Returns io.EOF when connection is closed.
	// An error wrapping ErrMessageTooLarge is not fatal.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single encoded event.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Client is one live connection together with the queue of encoded events
// waiting to be written to it.
type Client struct {
	ID        string
	Conn      Conn
	Codec     protocol.Codec
	Transport string
	Outgoing  chan []byte
}

// NewClient wraps conn with a fresh identity. A nil codec means JSON.
func NewClient(conn Conn, codec protocol.Codec, transport string) *Client {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Client{
		ID:        uuid.NewString(),
		Conn:      conn,
		Codec:     codec,
		Transport: transport,
		Outgoing:  make(chan []byte, 16),
	}
}
