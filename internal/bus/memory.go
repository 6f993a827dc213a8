package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
)

// MemoryBus is an in-process MessageBus for unified deployments and tests.
// Broadcast subscribers each receive every message; members of one consumer
// group compete, with each message delivered to exactly one member.
// Mirrored entries are retained only for the life of the process, so replay
// after restart is a Redis-only property.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySub
	logger *logger.Logger
	closed bool
}

type memorySub struct {
	handler Handler
	group   string
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[int]*memorySub),
		logger: log.WithFields(zap.String("component", "bus-memory")),
	}
}

// Publish delivers payload synchronously: once to every broadcast
// subscriber and once per consumer group.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperrors.ServiceUnavailable("message bus")
	}

	var broadcast []Handler
	groups := make(map[string]Handler)
	for _, sub := range b.subs[topic] {
		if sub.group == "" {
			broadcast = append(broadcast, sub.handler)
		} else if _, taken := groups[sub.group]; !taken {
			groups[sub.group] = sub.handler
		}
	}
	b.mu.Unlock()

	d := Delivery{Topic: topic, Payload: payload, MessageID: ExtractMessageID(payload)}
	for _, h := range broadcast {
		if err := h(ctx, d); err != nil {
			b.logger.Error("subscriber handler failed",
				zap.String("topic", topic),
				zap.String("message_id", d.MessageID),
				zap.Error(err))
		}
	}
	for group, h := range groups {
		if err := h(ctx, d); err != nil {
			b.logger.Error("group handler failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.String("message_id", d.MessageID),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is live when
// Subscribe returns.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperrors.ServiceUnavailable("message bus")
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memorySub)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = &memorySub{handler: handler, group: opts.ConsumerGroup}

	return &memorySubscription{bus: b, topic: topic, id: id}, nil
}

// Health always reports healthy while the bus is open.
func (b *MemoryBus) Health(ctx context.Context) (Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Health{OK: false}, apperrors.ServiceUnavailable("message bus")
	}
	return Health{OK: true}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]*memorySub)
	return nil
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	id    int
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.topic]; ok {
		delete(subs, s.id)
	}
	return nil
}
