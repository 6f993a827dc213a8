package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/logger"
)

// MemoryEventBus delivers events in-process. It is the default for
// single-instance deployments and for tests.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries across its members.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an empty in-process event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "events-memory")),
	}
}

// Publish delivers event to every matching subscription, once per queue
// group. Handlers run on their own goroutines; a handler error is logged
// and does not affect other subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	seenQueues := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.isActive() || !matchSubject(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if !seenQueues[key] {
					seenQueues[key] = true
					b.deliverToQueue(ctx, key, subject, event)
				}
				continue
			}

			go b.deliver(ctx, sub, subject, event)
		}
	}

	b.logger.Debug("published internal event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe registers handler for every event matching subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers handler as a member of queue; each matching
// event reaches exactly one member.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name must not be empty")
	}
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compileSubjectPattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		if b.queues[key] == nil {
			b.queues[key] = &queueGroup{}
		}
		b.queues[key].members = append(b.queues[key].members, sub)
	}
	return sub, nil
}

// Close deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func (b *MemoryEventBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		sub := qg.members[idx]
		if sub.isActive() {
			qg.next = (idx + 1) % len(qg.members)
			go b.deliver(ctx, sub, subject, event)
			return
		}
	}
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subs[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	return s.isActive()
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func matchSubject(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compileSubjectPattern turns a NATS-style pattern into a regexp.
// Returns nil for literal subjects.
func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
