// Package bus provides the internal event bus used between orchestrator
// services. It is distinct from the external agent message bus: events here
// never leave the orchestrator deployment and carry no schema version.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the internal event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // service that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle for an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus moves events between orchestrator services.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every event on a subject pattern to handler.
	// Patterns support NATS-style wildcards (* one token, > the rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
