package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after the upgrade
	authWait = 10 * time.Second

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

// clientMessage is what clients may send.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger
	identity *auth.Identity
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump handles reading messages from the WebSocket connection. Until
// the client is registered it owns c.send; afterwards the hub does.
func (c *Client) readPump(registered bool) {
	defer func() {
		if registered {
			c.hub.leave(c)
		} else {
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if registered {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message must be authentication
		if !registered {
			if !c.authenticate(msg) {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if !c.hub.join(c) {
				return
			}
			registered = true
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" {
		c.queue(NewMessage(MessageTypeAuthFailed, ErrorData{Reason: "first message must be authentication"}))
		return false
	}
	if msg.Token == "" {
		c.queue(NewMessage(MessageTypeAuthFailed, ErrorData{Reason: "missing token in auth message"}))
		return false
	}

	identity, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.queue(NewMessage(MessageTypeAuthFailed, ErrorData{Reason: "invalid or expired token"}))
		return false
	}
	if !identity.Has(auth.PermRead) {
		c.queue(NewMessage(MessageTypeAuthFailed, ErrorData{Reason: "insufficient permissions"}))
		return false
	}

	c.identity = identity
	perms := make([]string, len(identity.Permissions))
	for i, p := range identity.Permissions {
		perms[i] = string(p)
	}
	c.queue(NewMessage(MessageTypeAuthSuccess, AuthData{Subject: identity.Subject, Permissions: perms}))

	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("subject", identity.Subject))
	return true
}

// queue writes to c.send directly. Only valid before registration.
func (c *Client) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "status":
		if status, ok := c.hub.statusMessage(); ok {
			c.hub.reply(c, status)
			return
		}
		c.hub.reply(c, NewMessage(MessageTypeError, ErrorData{Reason: "status not available"}))
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.hub.reply(c, NewMessage(MessageTypeError, ErrorData{Reason: "unknown message type"}))
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
				// Channel closed by the hub or a failed handshake
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

// ServeWs upgrades the request and starts the client pumps. With
// authentication enabled the client joins the hub only after a valid auth
// message.
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

	registered := false
	if !hub.authRequired() {
		client.identity = auth.Anonymous()
		if !hub.join(client) {
			conn.Close()
			return
		}
		registered = true
	}

	go client.writePump()
	go client.readPump(registered)
}
