package stream

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client is one websocket connection. It receives every event kind until it
// subscribes to specific kinds.
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logger.Logger
}

// ClientMessage is sent by clients to narrow or widen the kinds they
// receive.
type ClientMessage struct {
	Type  string              `json:"type"`
	Kinds []monitor.EventKind `json:"kinds,omitempty"`
}

// ServerMessage is a control message; events are sent as their
// MarshalEvent encoding instead.
type ServerMessage struct {
	Type    string              `json:"type"`
	Session string              `json:"session,omitempty"`
	Client  string              `json:"client,omitempty"`
	Kinds   []monitor.EventKind `json:"kinds,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func NewClient(hub *Hub, conn *websocket.Conn, buffer int, log logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		logger: log.With("client", id),
	}
}

// queue sends a control message without blocking. Only the hub goroutine
// calls it.
func (c *Client) queue(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Client disconnected")
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid client message")
			msg = ClientMessage{Type: "invalid"}
		}
		c.hub.request(clientRequest{client: c, msg: msg})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
