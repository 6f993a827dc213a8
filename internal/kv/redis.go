package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/config"
	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/logger"
)

// casScript swaps the value at KEYS[1] from ARGV[1] to ARGV[2] atomically.
// An empty expected value matches an absent key. ARGV[3] is a TTL in
// milliseconds; zero means no expiry.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local matches
if cur == false then
  matches = (ARGV[1] == '')
else
  matches = (cur == ARGV[1])
end
if not matches then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// cadScript deletes KEYS[1] only when its value equals ARGV[1].
var cadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Store against a dedicated Redis command connection.
// The connection must not be shared with the bus publisher or subscriber.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	logger  *logger.Logger
}

// NewRedisStore connects a dedicated command client and verifies it with a PING.
func NewRedisStore(cfg config.RedisConfig, log *logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.KVTimeoutDuration())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{
		client:  client,
		timeout: cfg.KVTimeoutDuration(),
		logger:  log.WithFields(zap.String("component", "kv-redis")),
	}, nil
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the value for key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.TransportError("kv get", err)
	}
	return val, true, nil
}

// Set stores value under key with an optional TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperrors.TransportError("kv set", err)
	}
	return nil
}

// SetNX stores value under key only if the key is absent.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, apperrors.TransportError("kv setnx", err)
	}
	return ok, nil
}

// Del removes key.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return apperrors.TransportError("kv del", err)
	}
	return nil
}

// Incr atomically increments the integer value at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, apperrors.TransportError("kv incr", err)
	}
	return val, nil
}

// CAS atomically replaces the value at key when the current value equals
// expected. Implemented as a Lua script so the compare and the write are a
// single server-side step.
func (s *RedisStore) CAS(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	res, err := casScript.Run(ctx, s.client, []string{key}, expected, newValue, ttl.Milliseconds()).Int()
	if err != nil {
		return false, apperrors.TransportError("kv cas", err)
	}
	return res == 1, nil
}

// CompareAndDelete removes key only when its current value equals expected.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	res, err := cadScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, apperrors.TransportError("kv compare-and-delete", err)
	}
	return res == 1, nil
}

// Health performs a PING round-trip and reports latency.
func (s *RedisStore) Health(ctx context.Context) (Health, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return Health{OK: false}, apperrors.TransportError("kv ping", err)
	}
	return Health{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
