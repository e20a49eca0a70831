package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
	"go.uber.org/zap"
)

// StatusProvider answers status requests from clients.
type StatusProvider interface {
	GetCurrentStatus() interfaces.SystemStatus
}

type reply struct {
	client *Client
	msg    Message
}

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

	// Messages addressed to a single client
	replies chan reply

	mu     sync.RWMutex
	logger *zap.Logger

	// nil disables the authentication handshake
	authService *auth.AuthService

	statusProvider StatusProvider

	done chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService, status StatusProvider) *Hub {
	return &Hub{
		broadcast:      make(chan Message, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		replies:        make(chan reply, 64),
		clients:        make(map[*Client]bool),
		logger:         logger.Named("websocket"),
		authService:    authService,
		statusProvider: status,
		done:           make(chan struct{}),
	}
}

func (h *Hub) authRequired() bool {
	return h.authService != nil && h.authService.Enabled()
}

// Run starts the hub's main event loop. Client send channels are closed
// when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			close(h.done)
			h.logger.Info("WebSocket hub stopped")
			return

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

		case r := <-h.replies:
			data, err := json.Marshal(r.msg)
			if err != nil {
				h.logger.Error("Failed to marshal reply", zap.Error(err))
				continue
			}
			h.mu.Lock()
			if _, ok := h.clients[r.client]; ok {
				h.deliver(r.client, data)
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
				h.deliver(client, data)
			}
			h.mu.Unlock()
		}
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Client send channel full - unregister slow/dead client
		close(client.send)
		delete(h.clients, client)
		h.logger.Warn("Client send buffer full, unregistering",
			zap.String("remote_addr", client.remoteAddr()))
	}
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

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) reply(c *Client, msg Message) {
	select {
	case h.replies <- reply{client: c, msg: msg}:
	default:
		h.logger.Warn("Hub reply channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Forward broadcasts every event of mux until ctx ends.
func (h *Hub) Forward(ctx context.Context, mux *events.Mux) {
	stream, cancel := mux.Stream(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			h.Broadcast(NewEventMessage(env))
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
