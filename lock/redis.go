package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	collaberrors "github.com/parishworks/collab/errors"
)

// acquireScript performs the set-if-absent-or-expired-or-same-holder write
// in one round trip. PX handles natural expiry, but a record can outlive
// its window when eviction lags (a key migrated without its TTL, eviction
// disabled), so the script re-checks acquiredAtMs against the window and
// grants over a logically expired record. Returns the rival record on
// contention and an empty string on success.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    local rec = cjson.decode(cur)
    local expired = not rec.acquiredAtMs or
        tonumber(rec.acquiredAtMs) + tonumber(ARGV[3]) <= tonumber(ARGV[4])
    if not expired and tostring(rec.holderUserId) ~= ARGV[2] then
        return cur
    end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return ""
`)

// Redis implements Manager on a Redis backend, the shared source of truth
// for lock ownership across server processes.
type Redis struct {
	client   *redis.Client
	notifier Notifier
	ttl      time.Duration
}

// NewRedis returns a Redis lock manager using the provided client.
func NewRedis(client *redis.Client, notifier Notifier) *Redis {
	return &Redis{client: client, notifier: notifier, ttl: DefaultTTL}
}

// Acquire attempts to take or refresh the lock for holder. Contention is a
// normal result, not an error; store failures fail closed.
func (r *Redis) Acquire(ctx context.Context, resourceType, resourceID string, holder Holder) (Result, error) {
	now := time.Now().UTC()
	rec := Record{
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		HolderUserID:   holder.UserID,
		HolderUsername: holder.Username,
		AcquiredAt:     now,
		AcquiredAtMs:   now.UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Result{}, err
	}
	res, err := acquireScript.Run(ctx, r.client, []string{Key(resourceType, resourceID)},
		string(payload), strconv.FormatInt(holder.UserID, 10), r.ttl.Milliseconds(),
		now.UnixMilli()).Text()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", collaberrors.ErrStoreUnavailable, err)
	}
	if res != "" {
		var rival Record
		if err := json.Unmarshal([]byte(res), &rival); err != nil {
			return Result{}, fmt.Errorf("decode rival lock record: %w", err)
		}
		return Result{Success: false, LockedBy: &rival.HolderUsername}, nil
	}
	r.notify(ctx, resourceType, resourceID, Status{
		IsLocked:       true,
		LockedBy:       holder.Username,
		LockedByUserID: holder.UserID,
		AcquiredAt:     &rec.AcquiredAt,
	})
	return Result{Success: true}, nil
}

// Release frees the lock regardless of who holds it. Releasing a resource
// that is not locked is not an error.
func (r *Redis) Release(ctx context.Context, resourceType, resourceID string) error {
	deleted, err := r.client.Del(ctx, Key(resourceType, resourceID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", collaberrors.ErrStoreUnavailable, err)
	}
	if deleted > 0 {
		r.notify(ctx, resourceType, resourceID, Status{IsLocked: false})
	}
	return nil
}

// Check returns the current holder, or nil when the resource is free.
func (r *Redis) Check(ctx context.Context, resourceType, resourceID string) (*Status, error) {
	res, err := r.client.Get(ctx, Key(resourceType, resourceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collaberrors.ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(res), &rec); err != nil {
		return nil, fmt.Errorf("decode lock record: %w", err)
	}
	// PX expiry should have evicted stale records already; re-check the
	// window so a store with eviction disabled still reads as free.
	if rec.Expired(time.Now().UTC(), r.ttl) {
		return nil, nil
	}
	return &Status{
		IsLocked:       true,
		LockedBy:       rec.HolderUsername,
		LockedByUserID: rec.HolderUserID,
		AcquiredAt:     &rec.AcquiredAt,
	}, nil
}

func (r *Redis) notify(ctx context.Context, resourceType, resourceID string, st Status) {
	if r.notifier != nil {
		r.notifier.LockUpdate(ctx, resourceType, resourceID, st)
	}
}
