package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/token-relay/internal/chat"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	errCh      chan error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		errCh:      make(chan error, 10),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case err := <-m.errCh:
		return nil, err
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

// Write is unused by sessions, which queue events on Client.Outgoing.
func (m *mockConn) Write(ctx context.Context, data []byte) error {
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) send(prompt string) {
	m.readCh <- []byte(prompt)
}

// fail makes the next Read return err.
func (m *mockConn) fail(err error) {
	m.errCh <- err
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
