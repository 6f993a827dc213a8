package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/config"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
)

const (
	// streamPayloadField carries the serialized envelope in a stream entry.
	streamPayloadField = "payload"
	// streamMessageIDField duplicates the envelope message id for downstream
	// idempotency without re-parsing the payload.
	streamMessageIDField = "message_id"
	// streamKeyField carries the partition key (workflow id).
	streamKeyField = "key"

	// groupReadBlock bounds each blocking XREADGROUP so shutdown is prompt.
	groupReadBlock = 2 * time.Second
	// groupReadCount caps entries fetched per read.
	groupReadCount = 16
	// autoClaimMinIdle is how long an entry may sit pending on a dead
	// consumer before another group member claims it.
	autoClaimMinIdle = 30 * time.Second
	// autoClaimInterval is the cadence of the claim sweep.
	autoClaimInterval = 15 * time.Second
)

// RedisBus implements MessageBus over three dedicated Redis connections:
// one for command traffic (streams, acks, group management), one for
// publishing, and one for subscribing. A connection in subscribe mode
// cannot issue commands, so the roles must never be mixed.
type RedisBus struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client

	timeout      time.Duration
	streamMaxLen int64
	logger       *logger.Logger

	mu      sync.Mutex
	topics  map[string]*topicSubscribers
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// topicSubscribers tracks the pub/sub fan-out state for one topic.
type topicSubscribers struct {
	pubsub   *redis.PubSub
	handlers map[int]Handler
	nextID   int
}

// NewRedisBus opens the three connections and verifies each with a PING.
func NewRedisBus(cfg config.RedisConfig, log *logger.Logger) (*RedisBus, error) {
	newClient := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		})
	}

	cmd, pub, sub := newClient(), newClient(), newClient()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BusTimeoutDuration())
	defer cancel()
	for name, client := range map[string]*redis.Client{"command": cmd, "publisher": pub, "subscriber": sub} {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = cmd.Close()
			_ = pub.Close()
			_ = sub.Close()
			return nil, fmt.Errorf("failed to connect %s redis client to %s: %w", name, cfg.Addr, err)
		}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &RedisBus{
		cmd:          cmd,
		pub:          pub,
		sub:          sub,
		timeout:      cfg.BusTimeoutDuration(),
		streamMaxLen: cfg.StreamMaxLen,
		logger:       log.WithFields(zap.String("component", "bus-redis")),
		topics:       make(map[string]*topicSubscribers),
		baseCtx:      baseCtx,
		cancel:       baseCancel,
	}, nil
}

func (b *RedisBus) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Publish appends the payload to the mirror stream (when requested) and
// fans it out over pub/sub. The stream append happens first so a consumer
// group never misses a message the fan-out delivered.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()

	if opts.MirrorToStream != "" {
		args := &redis.XAddArgs{
			Stream: opts.MirrorToStream,
			Values: map[string]interface{}{
				streamPayloadField:   string(payload),
				streamMessageIDField: ExtractMessageID(payload),
				streamKeyField:       opts.Key,
			},
		}
		if b.streamMaxLen > 0 {
			args.MaxLen = b.streamMaxLen
			args.Approx = true
		}
		if err := b.cmd.XAdd(ctx, args).Err(); err != nil {
			return apperrors.TransportError("stream append", err)
		}
	}

	if err := b.pub.Publish(ctx, topic, payload).Err(); err != nil {
		return apperrors.TransportError("publish", err)
	}

	b.logger.Debug("published message",
		zap.String("topic", topic),
		zap.String("stream", opts.MirrorToStream),
		zap.String("key", opts.Key))
	return nil
}

// Subscribe registers handler for topic. With a consumer group it consumes
// the mirrored stream (competing consumers, explicit ack, replay of
// unacknowledged entries); without one it joins the pub/sub fan-out.
// In both modes Subscribe returns only once the subscription is live.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.ServiceUnavailable("message bus")
	}
	b.mu.Unlock()

	if opts.ConsumerGroup != "" {
		if opts.Stream == "" {
			return nil, apperrors.BadRequest("consumer group subscription requires a stream")
		}
		return b.subscribeGroup(ctx, topic, handler, opts)
	}
	return b.subscribePubSub(ctx, topic, handler)
}

// subscribePubSub attaches handler to the topic's fan-out. The first
// handler for a topic opens the underlying SUBSCRIBE and waits for the
// broker's confirmation before returning, so callers may publish
// immediately after.
func (b *RedisBus) subscribePubSub(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		pubsub := b.sub.Subscribe(b.baseCtx, topic)

		// Wait for the broker to acknowledge the subscription; resolving
		// earlier would break the "subscribed before publish" guarantee.
		confirmCtx, cancel := b.withDeadline(ctx)
		_, err := pubsub.Receive(confirmCtx)
		cancel()
		if err != nil {
			_ = pubsub.Close()
			return nil, apperrors.TransportError("subscribe", err)
		}

		subs = &topicSubscribers{pubsub: pubsub, handlers: make(map[int]Handler)}
		b.topics[topic] = subs

		b.wg.Add(1)
		go b.fanoutLoop(topic, subs)
	}

	id := subs.nextID
	subs.nextID++
	subs.handlers[id] = handler

	b.logger.Debug("subscribed to topic", zap.String("topic", topic))
	return &pubsubSubscription{bus: b, topic: topic, id: id}, nil
}

// fanoutLoop dispatches pub/sub messages to every registered handler.
// Handler failures are logged and isolated: one failing handler neither
// cancels its siblings nor the loop.
func (b *RedisBus) fanoutLoop(topic string, subs *topicSubscribers) {
	defer b.wg.Done()

	ch := subs.pubsub.Channel()
	for msg := range ch {
		payload := []byte(msg.Payload)
		messageID := ExtractMessageID(payload)

		b.mu.Lock()
		handlers := make([]Handler, 0, len(subs.handlers))
		for _, h := range subs.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				d := Delivery{Topic: topic, Payload: payload, MessageID: messageID}
				if err := h(b.baseCtx, d); err != nil {
					b.logger.Error("subscriber handler failed",
						zap.String("topic", topic),
						zap.String("message_id", messageID),
						zap.Error(err))
				}
			}(h)
		}
		wg.Wait()
	}
}

// subscribeGroup consumes the mirrored stream through a consumer group.
// The group is created (idempotently) before returning, which also makes
// the stream exist, so a publish after Subscribe returns is never lost.
func (b *RedisBus) subscribeGroup(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	consumer := opts.Consumer
	if consumer == "" {
		consumer = fmt.Sprintf("%s-consumer", opts.ConsumerGroup)
	}

	createCtx, cancel := b.withDeadline(ctx)
	err := b.cmd.XGroupCreateMkStream(createCtx, opts.Stream, opts.ConsumerGroup, "0").Err()
	cancel()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, apperrors.TransportError("consumer group create", err)
	}

	loopCtx, loopCancel := context.WithCancel(b.baseCtx)
	b.wg.Add(1)
	go b.groupLoop(loopCtx, topic, handler, opts.Stream, opts.ConsumerGroup, consumer)

	b.logger.Info("consumer group subscription started",
		zap.String("topic", topic),
		zap.String("stream", opts.Stream),
		zap.String("group", opts.ConsumerGroup),
		zap.String("consumer", consumer))
	return &groupSubscription{cancel: loopCancel}, nil
}

// groupLoop drains this consumer's pending entries (replay after restart),
// then reads new entries, claiming entries abandoned by dead consumers on
// a timer. Entries are acknowledged only after the handler returns nil.
func (b *RedisBus) groupLoop(ctx context.Context, topic string, handler Handler, stream, group, consumer string) {
	defer b.wg.Done()

	// Replay pass: entries delivered to this consumer but never acked
	// before the previous shutdown.
	b.drainPending(ctx, topic, handler, stream, group, consumer)

	claimTicker := time.NewTicker(autoClaimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTicker.C:
			b.claimAbandoned(ctx, topic, handler, stream, group, consumer)
		default:
		}

		res, err := b.cmd.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    groupReadCount,
			Block:    groupReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("stream read failed",
				zap.String("stream", stream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				b.handleStreamEntry(ctx, topic, handler, stream, group, entry)
			}
		}
	}
}

// drainPending processes entries already assigned to this consumer
// (XREADGROUP from id 0 returns the consumer's pending list).
func (b *RedisBus) drainPending(ctx context.Context, topic string, handler Handler, stream, group, consumer string) {
	for {
		res, err := b.cmd.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, "0"},
			Count:    groupReadCount,
		}).Result()
		if err != nil || len(res) == 0 {
			return
		}

		drained := 0
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				drained++
				b.handleStreamEntry(ctx, topic, handler, stream, group, entry)
			}
		}
		if drained == 0 {
			return
		}
		b.logger.Info("replayed pending stream entries",
			zap.String("stream", stream),
			zap.String("group", group),
			zap.Int("count", drained))
	}
}

// claimAbandoned takes over entries that have been pending on another
// consumer longer than the idle threshold.
func (b *RedisBus) claimAbandoned(ctx context.Context, topic string, handler Handler, stream, group, consumer string) {
	entries, _, err := b.cmd.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  autoClaimMinIdle,
		Start:    "0-0",
		Count:    groupReadCount,
	}).Result()
	if err != nil || len(entries) == 0 {
		return
	}

	b.logger.Info("claimed abandoned stream entries",
		zap.String("stream", stream),
		zap.Int("count", len(entries)))
	for _, entry := range entries {
		b.handleStreamEntry(ctx, topic, handler, stream, group, entry)
	}
}

func (b *RedisBus) handleStreamEntry(ctx context.Context, topic string, handler Handler, stream, group string, entry redis.XMessage) {
	payload, _ := entry.Values[streamPayloadField].(string)
	messageID, _ := entry.Values[streamMessageIDField].(string)

	d := Delivery{
		Topic:     topic,
		Payload:   []byte(payload),
		MessageID: messageID,
		StreamID:  entry.ID,
	}

	if err := handler(ctx, d); err != nil {
		// Leave the entry pending; it is re-delivered after the idle
		// threshold or on the next replay pass.
		b.logger.Error("stream handler failed, entry left unacked",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.cmd.XAck(ackCtx, stream, group, entry.ID).Err(); err != nil {
		b.logger.Warn("stream ack failed",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}
}

// Health performs a PING round-trip on the command connection.
func (b *RedisBus) Health(ctx context.Context) (Health, error) {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	if err := b.cmd.Ping(ctx).Err(); err != nil {
		return Health{OK: false}, apperrors.TransportError("bus ping", err)
	}
	return Health{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// Close stops all consumers and releases the three connections.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		_ = subs.pubsub.Close()
	}
	b.topics = make(map[string]*topicSubscribers)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	var firstErr error
	for _, client := range []*redis.Client{b.cmd, b.pub, b.sub} {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.logger.Info("message bus closed")
	return firstErr
}

// pubsubSubscription detaches one handler from a topic fan-out.
type pubsubSubscription struct {
	bus   *RedisBus
	topic string
	id    int
}

// Unsubscribe removes the handler; the last handler for a topic closes the
// underlying SUBSCRIBE.
func (s *pubsubSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs, ok := s.bus.topics[s.topic]
	if !ok {
		return nil
	}
	delete(subs.handlers, s.id)
	if len(subs.handlers) == 0 {
		delete(s.bus.topics, s.topic)
		return subs.pubsub.Close()
	}
	return nil
}

// groupSubscription stops a consumer group reader.
type groupSubscription struct {
	cancel context.CancelFunc
}

// Unsubscribe stops the group reader loop. Pending entries stay in the
// group for the next consumer.
func (s *groupSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
