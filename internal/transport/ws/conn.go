// Package ws provides the WebSocket transport for the relay server.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/token-relay/internal/chat"
)

// MaxMessageSize bounds a single inbound message, across all of its frames.
const MaxMessageSize = 64 * 1024

// ErrMessageTooLarge is returned by Read after it has skipped a message longer
// than MaxMessageSize. It wraps chat.ErrMessageTooLarge.
var ErrMessageTooLarge = fmt.Errorf("websocket message over %d bytes: %w", MaxMessageSize, chat.ErrMessageTooLarge)

// Conn adapts an upgraded gobwas/ws connection to chat.Conn.
// Text frames are used for JSON events and binary frames for protobuf.
type Conn struct {
	conn       net.Conn
	remoteAddr string
	op         ws.OpCode
	reader     *wsutil.Reader
	control    wsutil.FrameHandlerFunc

	// mu serializes frame writes, including pong and close replies sent
	// from the read side.
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps conn. src is where frames are read from; it is usually conn
// itself, or a reader that first drains bytes buffered during the handshake.
func NewConn(conn net.Conn, src io.Reader, remoteAddr string, binary bool) *Conn {
	if src == nil {
		src = conn
	}
	c := &Conn{
		conn:       conn,
		remoteAddr: remoteAddr,
		op:         ws.OpText,
	}
	if binary {
		c.op = ws.OpBinary
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	c.reader = &wsutil.Reader{
		Source: src,
		State:  ws.StateServerSide,
		// UTF-8 validation happens in the session, which ignores bad input
		// instead of failing the connection.
		CheckUTF8:      false,
		OnIntermediate: c.control,
	}
	return c
}

type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.conn.Write(p)
}

// Read implements chat.Conn.
// Returns the payload of the next text or binary message. A close frame from
// the peer is reported as io.EOF. A message over MaxMessageSize is drained
// and dropped, and ErrMessageTooLarge is returned in its place.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(c.reader, MaxMessageSize+1))
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if len(data) > MaxMessageSize {
			if _, err := io.Copy(io.Discard, c.reader); err != nil {
				return nil, c.readErr(ctx, err)
			}
			return nil, ErrMessageTooLarge
		}
		return data, nil
	}
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

// Write implements chat.Conn.
// Sends data as a single frame, honouring the deadline of ctx.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, c.op, data)
}

// Close implements chat.Conn.
// Sends a normal closure frame before closing the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
