package kv

import (
	"context"
	"time"
)

// SeenKey returns the deduplication marker key for a message id.
func SeenKey(messageID string) string {
	return "seen:" + messageID
}

// MarkSeen records messageID as processed. Returns true when this call was
// the first to mark it within the TTL window; false means the message is a
// replay and must not be processed again.
func MarkSeen(ctx context.Context, store Store, messageID string, ttl time.Duration) (bool, error) {
	return store.CAS(ctx, SeenKey(messageID), "", "1", ttl)
}

// Once evaluates fn at most once per key across any number of callers
// sharing the store within the TTL. When fn fails, the marker is removed so
// a later caller can retry.
func Once(ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := store.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		_ = store.Del(ctx, key)
		return false, err
	}
	return true, nil
}
