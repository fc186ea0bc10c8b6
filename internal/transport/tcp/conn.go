// Package tcp provides a line-oriented TCP transport for the relay server.
// Each inbound line is one prompt; each outbound line is one JSON event.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/omochice/token-relay/internal/chat"
)

// MaxLineSize bounds a single inbound prompt line.
const MaxLineSize = 64 * 1024

// ErrLineTooLong is returned by Read after it has skipped a line longer than
// MaxLineSize. It wraps chat.ErrMessageTooLarge.
var ErrLineTooLong = fmt.Errorf("line too long: %w", chat.ErrMessageTooLarge)

// ErrEmbeddedNewline is returned by Write for data that would span lines.
var ErrEmbeddedNewline = errors.New("event contains a newline")

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}
}

// Read implements chat.Conn.
// Returns the next line without its terminator. A final line without a
// newline is returned before io.EOF. A line over MaxLineSize is read to its
// end and dropped, and ErrLineTooLong is returned in its place.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var line []byte
	skipping := false
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if !skipping {
			line = append(line, chunk...)
			if len(line) > MaxLineSize {
				line = nil
				skipping = true
			}
		}
		if isPrefix {
			continue
		}
		if skipping {
			return nil, ErrLineTooLong
		}
		return line, nil
	}
}

// Write implements chat.Conn.
// Writes data followed by a newline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return ErrEmbeddedNewline
	}
	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	_, err := c.conn.Write(line)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
