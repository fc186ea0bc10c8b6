package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/sirupsen/logrus"

	"github.com/omochice/token-relay/internal/chat"
	"github.com/omochice/token-relay/pkg/protocol"
)

const (
	// Path is where clients open the relay socket.
	Path = "/ws"
	// HealthPath reports liveness and the number of connected clients.
	HealthPath = "/healthz"

	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server handles WebSocket connections and delegates to Hub.
type Server struct {
	address string
	hub     *chat.Hub
	log     logrus.FieldLogger
	engine  *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WebSocket server that uses the provided Hub.
func New(address string, hub *chat.Hub, log logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		hub:     hub,
		log:     log.WithField("transport", "websocket"),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), RequestLogger(s.log))
	s.engine.GET(HealthPath, s.handleHealth)
	s.engine.GET(Path, s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler serving the socket and health endpoints.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts accepting WebSocket connections. It blocks until Stop is
// called or the listener fails.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.log.WithField("addr", listener.Addr().String()).Info("WebSocket server started")

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server failed: %w", err)
	}
	return nil
}

// Stop stops the server, ends every session and waits for them to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	server := s.server
	s.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("WebSocket server shutdown")
		}
	}
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

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if !s.track() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	upgrader := ws.HTTPUpgrader{
		Protocol: protocol.Supported,
	}
	conn, rw, hs, err := upgrader.Upgrade(c.Request, c.Writer)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		_ = c.Error(err)
		s.log.WithError(err).Warn("failed to upgrade WebSocket connection")
		return
	}
	c.Set("upgraded", true)

	codec := protocol.CodecFor(hs.Protocol)
	client := chat.NewClient(
		NewConn(conn, handshakeReader(conn, rw), c.Request.RemoteAddr, codec.Binary()),
		codec,
		"websocket",
	)

	s.wg.Add(2)
	go s.handleClient(client)
	go s.writeLoop(client)
}

// track registers the calling handler with the wait group unless Stop has
// begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

// handshakeReader returns a reader that yields any bytes the HTTP server
// buffered during the upgrade before reading from conn.
func handshakeReader(conn net.Conn, rw *bufio.ReadWriter) io.Reader {
	if rw == nil || rw.Reader.Buffered() == 0 {
		return conn
	}
	return io.MultiReader(io.LimitReader(rw.Reader, int64(rw.Reader.Buffered())), conn)
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
