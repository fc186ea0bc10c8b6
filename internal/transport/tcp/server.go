package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omochice/token-relay/internal/chat"
	"github.com/omochice/token-relay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Server handles TCP connections and delegates to Hub.
type Server struct {
	address string
	hub     *chat.Hub
	log     logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a TCP server that uses the provided Hub.
func New(address string, hub *chat.Hub, log logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		log:     log.WithField("transport", "tcp"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts accepting TCP connections. It blocks until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.WithField("addr", listener.Addr().String()).Info("TCP server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("failed to accept TCP connection")
			continue
		}

		if !s.track(2) {
			conn.Close()
			return nil
		}
		client := chat.NewClient(NewConn(conn), protocol.JSONCodec{}, "tcp")
		go s.handleClient(client)
		go s.writeLoop(client)
	}
}

// track registers n goroutines with the wait group unless Stop has begun.
func (s *Server) track(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(n)
	return true
}

// Stop stops the TCP server, ends every session and waits for them to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleClient(client *chat.Client) {
	defer s.wg.Done()
	defer client.Conn.Close()
	defer close(client.Outgoing)
	s.hub.HandleClient(s.ctx, client)
}

// writeLoop drains client.Outgoing. After a failed write it closes the
// connection and keeps draining so the session never blocks on a dead peer.
func (s *Server) writeLoop(client *chat.Client) {
	defer s.wg.Done()

	broken := false
	for data := range client.Outgoing {
		if broken {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := client.Conn.Write(ctx, data)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("conn_id", client.ID).Warn("failed to write to client")
			client.Conn.Close()
			broken = true
		}
	}
}
