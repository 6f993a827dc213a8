package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
)

// MemoryStore implements Store with an in-process map. It is used for
// unified single-node mode and tests; it honors the same TTL and atomicity
// semantics as the Redis adapter.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// current returns the live value at key, pruning it when expired.
// Callers must hold s.mu.
func (s *MemoryStore) current(key string) (string, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.value, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Get returns the value for key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.current(key)
	return val, ok, nil
}

// Set stores value under key with an optional TTL.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

// SetNX stores value under key only if the key is absent.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.current(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

// Del removes key.
func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Incr atomically increments the integer value at key.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, apperrors.BadRequest("value at key is not an integer")
		}
		n = parsed
	}
	n++
	entry := s.entries[key]
	entry.value = strconv.FormatInt(n, 10)
	s.entries[key] = entry
	return n, nil
}

// CAS atomically replaces the value at key when the current value equals
// expected. An empty expected matches an absent key.
func (s *MemoryStore) CAS(_ context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current(key)
	if ok {
		if cur != expected {
			return false, nil
		}
	} else if expected != "" {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: newValue, expiresAt: expiry(ttl)}
	return true, nil
}

// CompareAndDelete removes key only when its current value equals expected.
func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current(key)
	if !ok || cur != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Health always reports healthy for the in-memory store.
func (s *MemoryStore) Health(_ context.Context) (Health, error) {
	return Health{OK: true, LatencyMs: 0}, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
