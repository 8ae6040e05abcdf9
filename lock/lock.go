package lock

import (
	"context"
	"time"
)

// DefaultTTL is the fixed lifetime of an unrenewed lock. There is no
// per-call TTL; re-acquisition by the holder slides the window.
const DefaultTTL = 15 * time.Minute

// Record is the stored representation of one held lock.
type Record struct {
	ResourceType   string    `json:"resourceType"`
	ResourceID     string    `json:"resourceId"`
	HolderUserID   int64     `json:"holderUserId"`
	HolderUsername string    `json:"holderUsername"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	// AcquiredAtMs duplicates AcquiredAt as epoch milliseconds so the
	// store-side conditional write can evaluate expiry without parsing
	// timestamps.
	AcquiredAtMs int64 `json:"acquiredAtMs"`
}

// Expired reports whether the record's TTL window has passed at now.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return now.After(r.AcquiredAt.Add(ttl))
}

// Holder identifies the party requesting a lock.
type Holder struct {
	UserID   int64
	Username string
}

// Result is the outcome of an Acquire call. On contention LockedBy names
// the current holder; on success it is nil.
type Result struct {
	Success  bool    `json:"success"`
	LockedBy *string `json:"lockedBy"`
}

// Status describes the observable state of one resource's lock.
type Status struct {
	IsLocked       bool       `json:"isLocked"`
	LockedBy       string     `json:"lockedBy,omitempty"`
	LockedByUserID int64      `json:"lockedByUserId,omitempty"`
	AcquiredAt     *time.Time `json:"acquiredAt,omitempty"`
}

// Manager is the lock surface exposed to the transport layer.
//
// Acquire is atomic against the shared store: concurrent acquirers of the
// same resource race on a single conditional write, never on a
// read-then-write. Release is unconditional and frees the lock regardless
// of who holds it. Check never mutates state.
type Manager interface {
	Acquire(ctx context.Context, resourceType, resourceID string, holder Holder) (Result, error)
	Release(ctx context.Context, resourceType, resourceID string) error
	Check(ctx context.Context, resourceType, resourceID string) (*Status, error)
}

// Notifier receives a status update after every successful lock state
// transition (acquire, holder refresh, release). Implemented by the event
// broadcaster; nil disables notifications.
type Notifier interface {
	LockUpdate(ctx context.Context, resourceType, resourceID string, st Status)
}

// Key builds the store key for a resource.
func Key(resourceType, resourceID string) string {
	return "lock:" + resourceType + ":" + resourceID
}
