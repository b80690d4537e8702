package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq"
)

const redisKeyPrefix = "chronoq:lock:"

// Owner-token compare scripts. Acquire treats a key already held by this
// owner as a refresh; renew and release only act when the stored token
// matches, so an expired-and-retaken lock is never touched.
var (
	acquireScript = redis.NewScript(`
		local v = redis.call("GET", KEYS[1])
		if v == false then
			redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
			return 1
		end
		if v == ARGV[1] then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
			return 1
		end
		return 0
	`)

	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisLocker implements Locker on a shared Redis instance using
// owner-token SET NX semantics.
type RedisLocker struct {
	client redis.Cmdable
	owner  string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedis creates a RedisLocker bound to the given owner token (typically
// the node's dispatcher or worker ID). The caller owns the client lifecycle.
func NewRedis(client redis.Cmdable, owner string) *RedisLocker {
	return &RedisLocker{client: client, owner: owner}
}

// TryAcquire attempts to take the lock for key.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := acquireScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + key}, l.owner, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("chronoq/lock: acquire %q: %w", key, err)
	}
	return ok == 1, nil
}

// Renew extends the TTL of a lock this owner holds.
func (l *RedisLocker) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := renewScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + key}, l.owner, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("chronoq/lock: renew %q: %w", key, err)
	}
	return ok == 1, nil
}

// Release drops the lock if this owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	deleted, err := releaseScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + key}, l.owner,
	).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("chronoq/lock: release %q: %w", key, err)
	}
	if deleted == 0 {
		return chronoq.ErrLockNotHeld
	}
	return nil
}
