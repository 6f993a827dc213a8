// Package bus provides the topic-based message bus port used to dispatch
// agent tasks and collect agent results.
//
// The bus is schema-agnostic: it moves serialized envelopes without
// validating them. Durability is opt-in per publish via stream mirroring;
// competing-consumer semantics are opt-in per subscribe via consumer groups
// against the mirrored stream.
package bus

import (
	"context"
	"encoding/json"
)

// Delivery is one message handed to a subscriber handler.
type Delivery struct {
	Topic     string
	Payload   []byte
	MessageID string // envelope message id; used for idempotency downstream
	StreamID  string // stream entry id for stream-backed deliveries, "" for pub/sub
}

// Handler processes one delivery. For stream-backed subscriptions a nil
// return acknowledges the entry; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// PublishOptions controls durability and partitioning of a publish.
type PublishOptions struct {
	// Key is the partition key (the workflow id). Deliveries sharing a key
	// through one stream-backed group preserve publish order.
	Key string

	// MirrorToStream names the durable stream the payload is appended to
	// before the pub/sub fan-out. Empty means fire-and-forget pub/sub only.
	MirrorToStream string
}

// SubscribeOptions selects delivery semantics for a subscription.
type SubscribeOptions struct {
	// ConsumerGroup enables competing-consumer semantics: each message on
	// the mirrored stream is delivered to one member of the group and must
	// be acknowledged. Empty yields broadcast pub/sub semantics.
	ConsumerGroup string

	// Stream is the mirrored stream to consume when ConsumerGroup is set.
	Stream string

	// Consumer names this group member. Defaults to the process worker id.
	Consumer string
}

// Subscription is a handle for an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Health reports the outcome of a bus round-trip check.
type Health struct {
	OK        bool  `json:"ok"`
	LatencyMs int64 `json:"latency_ms"`
}

// MessageBus is the transport port.
type MessageBus interface {
	// Publish delivers payload to every live subscriber of topic and, when
	// mirroring is requested, appends it to the durable stream first.
	// Publish completes both steps before returning.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// Subscribe registers handler for topic. It returns only after the
	// subscription is confirmed live, so a publish issued after Subscribe
	// returns is guaranteed to be observed.
	Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error)

	// Health performs a round-trip check and reports latency.
	Health(ctx context.Context) (Health, error)

	// Close stops background consumers and releases all connections.
	Close() error
}

// ExtractMessageID pulls the top-level message_id out of a serialized
// envelope without decoding the full message. Returns "" when absent.
func ExtractMessageID(payload []byte) string {
	var probe struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.MessageID
}
