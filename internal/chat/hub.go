package chat

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub tracks connected clients and runs one Session per client.
// Both TCP and WebSocket servers share a single Hub instance; sessions share
// nothing except the generator, which is stateless between calls.
type Hub struct {
	generator Generator
	log       logrus.FieldLogger
	opts      []SessionOption

	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a Hub whose sessions generate with generator.
func NewHub(generator Generator, log logrus.FieldLogger, opts ...SessionOption) *Hub {
	return &Hub{
		generator: generator,
		log:       log,
		opts:      opts,
		clients:   make(map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleClient registers client and runs its session until the connection
// ends. The caller owns client.Outgoing and closes it afterwards.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	h.Register(client)
	defer h.Unregister(client)

	log := h.log.WithFields(logrus.Fields{
		"conn_id":     client.ID,
		"remote_addr": client.Conn.RemoteAddr(),
		"transport":   client.Transport,
		"codec":       client.Codec.Name(),
	})
	log.Info("client connected")

	session := NewSession(client, h.generator, log, h.opts...)
	if err := session.Run(ctx); err != nil {
		log.WithError(err).Debug("session ended")
	}
	log.Info("client disconnected")
}
