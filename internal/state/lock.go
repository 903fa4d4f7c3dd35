package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockContention is returned when a distributed lock could not be
// acquired within its blocking budget. Callers treat it as "not
// granted, retry later" rather than a failure.
var ErrLockContention = errors.New("state: lock contention")

const lockPollInterval = 10 * time.Millisecond

// Lock is a short-lived distributed lock held under "lock:<key>" in the
// shared store. The token guards against releasing a lock that has
// expired and been re-acquired by another worker.
type Lock struct {
	store Store
	key   string
	token string
}

// AcquireLock tries to take "lock:<key>" for at most blockFor, polling
// every few milliseconds. The lock auto-expires after ttl so a crashed
// holder cannot wedge other workers.
func AcquireLock(ctx context.Context, store Store, key string, ttl, blockFor time.Duration) (*Lock, error) {
	lock := &Lock{
		store: store,
		key:   "lock:" + key,
		token: uuid.NewString(),
	}
	deadline := time.Now().Add(blockFor)
	for {
		ok, err := store.SetNX(ctx, lock.key, lock.token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release frees the lock if this worker still holds it.
func (l *Lock) Release(ctx context.Context) error {
	val, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if !ok || val != l.token {
		return nil
	}
	return l.store.Del(ctx, l.key)
}
