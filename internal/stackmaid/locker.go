// ABOUTME: Cluster-wide named locks used to keep GC sweeps from overlapping
// ABOUTME: SQLLocker leases rows in the shared database and renews them; MemoryLocker serves single-node use

package stackmaid

import (
	"context"
	"sync"
	"time"

	"github.com/apache/cloudstack-sub185/internal/store"
)

// Locker provides bounded-wait named mutual exclusion.
type Locker interface {
	// Acquire waits up to wait for the named lock. It returns false, nil when the lock stays busy.
	Acquire(ctx context.Context, name string, wait time.Duration) (bool, error)

	// Refresh extends a lock held by this locker. It returns false when the lock was lost.
	Refresh(ctx context.Context, name string) (bool, error)

	// Release frees a lock acquired by this locker.
	Release(ctx context.Context, name string) error
}

const defaultLockPoll = 100 * time.Millisecond

// SQLLocker leases locks through a store.LockStore.
type SQLLocker struct {
	store store.LockStore
	owner string
	ttl   time.Duration
	poll  time.Duration
}

// NewSQLLocker creates a locker identified by owner. The lease ttl bounds how long a
// crashed holder blocks others.
func NewSQLLocker(s store.LockStore, owner string, ttl time.Duration) *SQLLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SQLLocker{store: s, owner: owner, ttl: ttl, poll: defaultLockPoll}
}

// Acquire polls the lock table until the lock is taken, wait elapses, or ctx ends.
func (l *SQLLocker) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.store.AcquireLock(ctx, name, l.owner, l.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		timer := time.NewTimer(min(l.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Refresh renews the lease for another ttl. It fails once another owner has taken the lock.
func (l *SQLLocker) Refresh(ctx context.Context, name string) (bool, error) {
	return l.store.AcquireLock(ctx, name, l.owner, l.ttl)
}

// Release frees the lock if this locker holds it.
func (l *SQLLocker) Release(ctx context.Context, name string) error {
	return l.store.ReleaseLock(ctx, name, l.owner)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	freed chan struct{} // closed and replaced on every release
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool), freed: make(chan struct{})}
}

// Acquire waits up to wait for the named lock.
func (l *MemoryLocker) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if !l.held[name] {
			l.held[name] = true
			l.mu.Unlock()
			return true, nil
		}
		freed := l.freed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-freed:
		}
	}
}

// Refresh reports whether the named lock is still held. In-process locks do not expire.
func (l *MemoryLocker) Refresh(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name], nil
}

// Release frees the named lock.
func (l *MemoryLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		delete(l.held, name)
		close(l.freed)
		l.freed = make(chan struct{})
	}
	return nil
}
