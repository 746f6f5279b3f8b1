package session

import (
	"context"
	"sync"
)

// LockProvider grants exclusive, non-reentrant handles keyed on session ID.
// Acquisition is bounded only by the caller's context.
type LockProvider interface {
	Acquire(ctx context.Context, sessionID string) (Unlocker, error)
}

// Unlocker releases a held lock. Unlock is safe to call more than once;
// only the first call releases.
type Unlocker interface {
	Unlock()
}

// KeyedLocks is the reference LockProvider: a count-1 semaphore per key in
// a concurrent map. Keys are never evicted; a session's channel is two
// words and sessions are deleted far less often than they are executed.
type KeyedLocks struct {
	locks sync.Map // sessionID → chan struct{} (capacity 1)
}

// NewKeyedLocks creates an empty provider.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{}
}

// Acquire blocks until the per-session semaphore is free or ctx is done.
func (k *KeyedLocks) Acquire(ctx context.Context, sessionID string) (Unlocker, error) {
	actual, _ := k.locks.LoadOrStore(sessionID, make(chan struct{}, 1))
	sem := actual.(chan struct{})

	select {
	case sem <- struct{}{}:
		return &semUnlocker{sem: sem}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// semUnlocker releases exactly once even under racing callers.
type semUnlocker struct {
	sem  chan struct{}
	once sync.Once
}

func (u *semUnlocker) Unlock() {
	u.once.Do(func() { <-u.sem })
}
