// Package websocket streams rack, shutter and system events to live
// clients.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"go.uber.org/zap"
)

type unicast struct {
	client *Client
	msg    Message
}

// StatusProvider returns the payload of a system_status message.
type StatusProvider func() any

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Replies addressed to a single client
	unicast chan unicast

	quit     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex

	logger *zap.Logger

	authService *auth.Service

	// Answers client status requests (optional)
	statusProvider StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.Service) *Hub {
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		unicast:     make(chan unicast, 16),
		quit:        make(chan struct{}),
		clients:     make(map[*Client]bool),
		logger:      logger,
		authService: authService,
	}
}

func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusProvider = provider
}

// Run starts the hub's main event loop. It returns after Stop.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.String("message_type", string(message.Type)),
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow or dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()

		case u := <-h.unicast:
			data, err := json.Marshal(u.msg)
			if err != nil {
				h.logger.Error("Failed to marshal reply", zap.Error(err))
				continue
			}
			h.mu.RLock()
			if h.clients[u.client] {
				select {
				case u.client.send <- data:
				default:
				}
			}
			h.mu.RUnlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return
		}
	}
}

// Stop ends Run and closes every client connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// join reports false when the hub has already stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) reply(c *Client, msg Message) {
	select {
	case h.unicast <- unicast{client: c, msg: msg}:
	case <-h.quit:
	}
}

func (h *Hub) statusMessage() (Message, bool) {
	if h.statusProvider == nil {
		return Message{}, false
	}
	return NewMessage(MessageTypeSystemStatus, h.statusProvider()), true
}

func (h *Hub) authRequired() bool {
	return h.authService != nil && h.authService.Enabled()
}
