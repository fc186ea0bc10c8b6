// Package tcp provides a line-oriented TCP client for the relay server.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omochice/token-relay/pkg/protocol"
)

// ErrClosed is returned by Send after the connection has ended.
var ErrClosed = errors.New("connection closed")

// ErrMultiline is returned by Send for prompts the line framing cannot carry.
var ErrMultiline = errors.New("prompt contains a newline")

// Client represents a TCP relay client. Prompts are sent as lines and every
// line received is decoded as one JSON event.
type Client struct {
	conn  net.Conn
	codec protocol.JSONCodec
	log   logrus.FieldLogger

	mu     sync.Mutex
	events chan protocol.Event
	done   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

// Dial connects to the relay's TCP listener at address. log may be nil.
func Dial(ctx context.Context, address string, log logrus.FieldLogger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	c := &Client{
		conn:   conn,
		log:    log,
		events: make(chan protocol.Event, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// Send writes prompt as one line.
func (c *Client) Send(ctx context.Context, prompt string) error {
	if strings.ContainsAny(prompt, "\r\n") {
		return ErrMultiline
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(c.conn, prompt+"\n"); err != nil {
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

// Close closes the connection and waits for the receive loop to exit.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) receive() {
	defer close(c.done)
	defer close(c.events)

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		e, err := c.codec.Decode(scanner.Bytes())
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
