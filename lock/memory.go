package lock

import (
	"context"
	"sync"
	"time"

	"github.com/chronoq/chronoq"
)

// MemoryRegistry is a process-local lock table shared by the memory lockers
// carved from it. Intended for unit testing and single-node development.
type MemoryRegistry struct {
	mu    sync.Mutex
	locks map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryRegistry creates an empty lock table.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{locks: make(map[string]memoryLease)}
}

// Locker returns a Locker view of the registry bound to the given owner.
func (r *MemoryRegistry) Locker(owner string) Locker {
	return &memoryLocker{registry: r, owner: owner}
}

type memoryLocker struct {
	registry *MemoryRegistry
	owner    string
}

var _ Locker = (*memoryLocker)(nil)

func (l *memoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cur, held := r.locks[key]
	if held && cur.owner != l.owner && cur.expires.After(now) {
		return false, nil
	}

	r.locks[key] = memoryLease{owner: l.owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *memoryLocker) Renew(_ context.Context, key string, ttl time.Duration) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cur, held := r.locks[key]
	if !held || cur.owner != l.owner || !cur.expires.After(now) {
		return false, nil
	}

	r.locks[key] = memoryLease{owner: l.owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *memoryLocker) Release(_ context.Context, key string) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, held := r.locks[key]
	if !held || cur.owner != l.owner {
		return chronoq.ErrLockNotHeld
	}
	delete(r.locks, key)
	return nil
}
