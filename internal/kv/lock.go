package kv

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
)

// LockKey returns the KV key serializing updates to one workflow.
func LockKey(workflowID string) string {
	return "lock:" + workflowID
}

// Locker acquires and releases per-workflow distributed locks. Locks are
// held with a TTL so a crashed holder cannot wedge a workflow, and released
// with a fencing token (the owner id) so one worker cannot release another
// worker's lock.
type Locker struct {
	store Store
	owner string
	ttl   time.Duration
}

// NewLocker creates a Locker identified by owner (the worker id).
func NewLocker(store Store, owner string, ttl time.Duration) *Locker {
	return &Locker{store: store, owner: owner, ttl: ttl}
}

// Acquire takes the lock for workflowID, retrying briefly with jitter when
// contended. Returns a contention error when the lock stays busy past the
// attempt budget; the caller should release the work item for another worker.
func (l *Locker) Acquire(ctx context.Context, workflowID string) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		ok, err := l.store.SetNX(ctx, LockKey(workflowID), l.owner, l.ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		delay := time.Duration(20+rand.Intn(60)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return apperrors.ContentionError("workflow lock busy: " + workflowID)
}

// Release frees the lock for workflowID when this worker still holds it.
// Releasing a lock that expired and was re-acquired by someone else is a
// silent no-op; the owner check prevents freeing the new holder's lock.
func (l *Locker) Release(ctx context.Context, workflowID string) error {
	_, err := l.store.CompareAndDelete(ctx, LockKey(workflowID), l.owner)
	return err
}
