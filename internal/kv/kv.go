// Package kv provides the key-value store port used for idempotency
// markers, distributed locks, and workflow state snapshots.
package kv

import (
	"context"
	"time"
)

// Health reports the outcome of a store round-trip check.
type Health struct {
	OK        bool  `json:"ok"`
	LatencyMs int64 `json:"latency_ms"`
}

// Store is the key-value port. All mutating operations are atomic.
// A zero TTL means the key does not expire.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key with an optional TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value under key only if the key is absent. Returns true
	// when the key was set by this call.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer value at key and returns the
	// new value. Absent keys start at zero.
	Incr(ctx context.Context, key string) (int64, error)

	// CAS atomically replaces the value at key with newValue when the
	// current value equals expected. An empty expected matches an absent
	// key. Returns true when the swap happened.
	CAS(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only when its current value equals
	// expected. Returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Health performs a round-trip check and reports latency.
	Health(ctx context.Context) (Health, error)

	// Close releases the underlying connection.
	Close() error
}
