package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Send pings to peer with this period
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	registered  bool
	username    string
	permissions []auth.Permission
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			c.hub.leave(c)
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.registered {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.registered {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != MessageTypeAuth {
		c.reject("first message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.reject("missing token in auth message")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	claims, perms, err := c.hub.authService.ValidateToken(ctx, msg.Token)
	cancel()
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.reject("invalid or expired token")
		return false
	}

	c.username = claims.Username
	c.permissions = perms
	c.conn.SetReadDeadline(time.Time{})

	if !c.hub.join(c) {
		return false
	}
	c.registered = true

	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", c.username))
	c.hub.reply(c, NewMessage(MessageTypeAuthSuccess, AuthData{
		Username:    c.username,
		Permissions: permissionNames(perms),
	}))
	return true
}

// reject closes the connection with a policy violation carrying reason.
func (c *Client) reject(reason string) {
	frame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypePing:
		c.hub.reply(c, NewMessage(MessageTypePong, nil))
	case MessageTypeStatus:
		if c.hub.statusProvider == nil {
			c.hub.reply(c, NewErrorMessage("status not available"))
			return
		}
		c.hub.reply(c, NewMessage(MessageTypeSystemStatus, c.hub.statusProvider.GetCurrentStatus()))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", string(msg.Type)))
		c.hub.reply(c, NewErrorMessage("unknown message type "+string(msg.Type)))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func permissionNames(perms []auth.Permission) []string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return names
}

// ServeWs handles WebSocket upgrade requests. Without authentication the
// client is registered right away; otherwise its first message must be an
// auth message carrying a bearer token.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	if !hub.authRequired() {
		if !hub.join(client) {
			conn.Close()
			return
		}
		client.registered = true
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
