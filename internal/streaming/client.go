package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. A firehose client receives every
// workflow event; others receive only their subscribed workflows.
type Client struct {
	ID          string
	conn        *websocket.Conn
	workflowIDs map[string]bool
	firehose    bool
	send        chan []byte
	hub         *Hub
	mu          sync.RWMutex
	logger      *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, firehose bool, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		workflowIDs: make(map[string]bool),
		firehose:    firehose,
		send:        make(chan []byte, 256),
		hub:         hub,
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// SubscriptionMessage is the only inbound frame clients send.
type SubscriptionMessage struct {
	Action      string   `json:"action"` // subscribe, unsubscribe
	WorkflowIDs []string `json:"workflow_ids"`
}

// ReadPump consumes subscription frames until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, id := range sub.WorkflowIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range sub.WorkflowIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("unknown action", zap.String("action", sub.Action))
		}
	}
}

// WritePump drains the send buffer to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
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

// Subscribe routes a workflow's events to this client.
func (c *Client) Subscribe(workflowID string) {
	c.mu.Lock()
	c.workflowIDs[workflowID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, workflowID)
}

// Unsubscribe stops routing a workflow's events to this client.
func (c *Client) Unsubscribe(workflowID string) {
	c.mu.Lock()
	delete(c.workflowIDs, workflowID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, workflowID)
}
