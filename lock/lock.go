// Package lock provides the minimal distributed-lock primitive used to
// keep dispatchers from polling the same partition concurrently and to run
// the janitor as an advisory singleton.
//
// Locks here are purely an optimization: they reduce duplicate polling
// work, they do not guarantee exclusion. Correctness always comes from
// version-gated job store writes. A lock that silently expires mid-batch is
// therefore safe; the new holder and the old one race on versions and
// exactly one write wins.
package lock

import (
	"context"
	"time"
)

// Locker is a short-lived, TTL-bounded advisory lock bound to one owner.
// Acquisition failure is non-fatal: the caller skips the guarded work this
// cycle and tries again on the next.
type Locker interface {
	// TryAcquire attempts to take the lock for key. It returns false when
	// another owner holds it. Re-acquiring a key already held by this
	// owner succeeds and refreshes the TTL.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Renew extends the TTL of a lock this owner holds. It returns false
	// when the lock expired or was taken by another owner, in which case
	// the caller must stop relying on it.
	Renew(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the lock if this owner still holds it. Releasing a key
	// this owner does not hold returns chronoq.ErrLockNotHeld; after an
	// expiry-and-takeover that is the expected outcome, not a fault.
	Release(ctx context.Context, key string) error
}
