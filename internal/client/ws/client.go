// Package ws provides a WebSocket client for the relay server.
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
	"github.com/sirupsen/logrus"

	"github.com/omochice/token-relay/pkg/protocol"
)

// ErrClosed is returned by Send after the connection has ended.
var ErrClosed = errors.New("connection closed")

type options struct {
	protocols []string
	log       logrus.FieldLogger
}

// Option configures Dial.
type Option func(*options)

// WithProtocol offers a subprotocol during the handshake. The server picks
// the event encoding from it.
func WithProtocol(subprotocol string) Option {
	return func(o *options) { o.protocols = append(o.protocols, subprotocol) }
}

// WithLogger sets where undecodable server messages are reported.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// Client is a connection to the relay. Events arrive on Events in the order
// the server sent them.
type Client struct {
	conn   net.Conn
	reader io.Reader
	codec  protocol.Codec
	proto  string
	log    logrus.FieldLogger

	writeMu sync.Mutex
	events  chan protocol.Event
	done    chan struct{}
	quit    chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay socket at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}

	dialer := ws.Dialer{Protocols: o.protocols}
	conn, br, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	var reader io.Reader = conn
	if br != nil {
		reader = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:   conn,
		reader: reader,
		codec:  protocol.CodecFor(hs.Protocol),
		proto:  hs.Protocol,
		log:    o.log,
		events: make(chan protocol.Event, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// Protocol returns the subprotocol the server accepted, or "".
func (c *Client) Protocol() string {
	return c.proto
}

// Send transmits one prompt as a text message.
func (c *Client) Send(ctx context.Context, prompt string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(prompt)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Events returns the decoded server events. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended. It is nil for a normal close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame, closes the socket and waits for the receive
// loop to exit.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Client) receive() {
	defer close(c.done)
	defer close(c.events)

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			c.setErr(err)
			return
		}

		e, err := c.codec.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("failed to decode event")
			continue
		}

		select {
		case c.events <- e:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	select {
	case <-c.quit:
		return
	default:
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) {
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
