// Package streaming pushes workflow lifecycle events to websocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
)

// WorkflowEvent is the wire shape pushed to clients.
type WorkflowEvent struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// Hub fans workflow events out to connected clients. Firehose clients get
// every event; the rest get only the workflows they subscribed to.
type Hub struct {
	clients         map[*Client]bool
	workflowClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *WorkflowEvent

	sub evbus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		workflowClients: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *WorkflowEvent, 256),
		logger:          log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled. The
// hub bridges the internal event bus: every workflow.* event becomes a
// client push.
func (h *Hub) Run(ctx context.Context, eventBus evbus.EventBus) error {
	sub, err := eventBus.Subscribe(events.WorkflowWildcard, func(_ context.Context, ev *evbus.Event) error {
		h.Broadcast(toWorkflowEvent(ev))
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			_ = h.sub.Unsubscribe()
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.workflowClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// deliver pushes one event to every interested client. A client with a
// full send buffer is dropped rather than allowed to stall the hub.
func (h *Hub) deliver(ev *WorkflowEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal workflow event", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.firehose || h.workflowClients[ev.WorkflowID][client] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Warn("client dropped, send buffer full", zap.String("client_id", client.ID))
		}
	}
}

// drop removes a client and its subscriptions. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for workflowID := range client.workflowIDs {
		if subs, ok := h.workflowClients[workflowID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.workflowClients, workflowID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues an event for delivery.
func (h *Hub) Broadcast(ev *WorkflowEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast queue full, event dropped",
			zap.String("type", ev.Type),
			zap.String("workflow_id", ev.WorkflowID))
	}
}

// SubscribeClient routes a workflow's events to the client.
func (h *Hub) SubscribeClient(client *Client, workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.workflowClients[workflowID]; !ok {
		h.workflowClients[workflowID] = make(map[*Client]bool)
	}
	h.workflowClients[workflowID][client] = true
}

// UnsubscribeClient stops routing a workflow's events to the client.
func (h *Hub) UnsubscribeClient(client *Client, workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.workflowClients[workflowID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.workflowClients, workflowID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// toWorkflowEvent flattens an internal event for the wire. The workflow id
// rides in the payload of every workflow.* event.
func toWorkflowEvent(ev *evbus.Event) *WorkflowEvent {
	workflowID, _ := ev.Data["workflow_id"].(string)
	return &WorkflowEvent{
		Type:       ev.Type,
		WorkflowID: workflowID,
		Timestamp:  ev.Timestamp,
		Data:       ev.Data,
	}
}
