package lock

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Manager with a process-local map. Suitable for
// single-process deployments and tests; it provides no cross-process
// exclusion. Expired records are evicted lazily on the next read or write
// of the same key, mirroring the store's passive TTL behavior.
type InMemory struct {
	notifier Notifier
	ttl      time.Duration

	mu    sync.Mutex
	locks map[string]Record
	now   func() time.Time
}

// NewInMemory returns an in-memory lock manager.
func NewInMemory(notifier Notifier) *InMemory {
	return &InMemory{
		notifier: notifier,
		ttl:      DefaultTTL,
		locks:    make(map[string]Record),
		now:      time.Now,
	}
}

// Acquire attempts to take or refresh the lock for holder.
func (l *InMemory) Acquire(ctx context.Context, resourceType, resourceID string, holder Holder) (Result, error) {
	key := Key(resourceType, resourceID)
	now := l.now().UTC()

	l.mu.Lock()
	cur, ok := l.locks[key]
	if ok && cur.Expired(now, l.ttl) {
		delete(l.locks, key)
		ok = false
	}
	if ok && cur.HolderUserID != holder.UserID {
		l.mu.Unlock()
		return Result{Success: false, LockedBy: &cur.HolderUsername}, nil
	}
	rec := Record{
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		HolderUserID:   holder.UserID,
		HolderUsername: holder.Username,
		AcquiredAt:     now,
		AcquiredAtMs:   now.UnixMilli(),
	}
	l.locks[key] = rec
	l.mu.Unlock()

	l.notify(ctx, resourceType, resourceID, Status{
		IsLocked:       true,
		LockedBy:       holder.Username,
		LockedByUserID: holder.UserID,
		AcquiredAt:     &rec.AcquiredAt,
	})
	return Result{Success: true}, nil
}

// Release frees the lock regardless of who holds it.
func (l *InMemory) Release(ctx context.Context, resourceType, resourceID string) error {
	key := Key(resourceType, resourceID)
	l.mu.Lock()
	_, ok := l.locks[key]
	delete(l.locks, key)
	l.mu.Unlock()
	if ok {
		l.notify(ctx, resourceType, resourceID, Status{IsLocked: false})
	}
	return nil
}

// Check returns the current holder, or nil when the resource is free.
func (l *InMemory) Check(ctx context.Context, resourceType, resourceID string) (*Status, error) {
	key := Key(resourceType, resourceID)
	now := l.now().UTC()

	l.mu.Lock()
	rec, ok := l.locks[key]
	if ok && rec.Expired(now, l.ttl) {
		delete(l.locks, key)
		ok = false
	}
	l.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return &Status{
		IsLocked:       true,
		LockedBy:       rec.HolderUsername,
		LockedByUserID: rec.HolderUserID,
		AcquiredAt:     &rec.AcquiredAt,
	}, nil
}

func (l *InMemory) notify(ctx context.Context, resourceType, resourceID string, st Status) {
	if l.notifier != nil {
		l.notifier.LockUpdate(ctx, resourceType, resourceID, st)
	}
}
