package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq/id"
)

const (
	readyKey    = "chronoq:transport:ready"
	inflightKey = "chronoq:transport:inflight"

	// dequeueBlock bounds each BRPOP so Dequeue stays responsive to
	// context cancellation and redelivery sweeps.
	dequeueBlock = time.Second
)

// reclaimScript moves in-flight entries whose visibility deadline passed
// back onto the ready list.
var reclaimScript = redis.NewScript(`
	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, member in ipairs(expired) do
		redis.call("ZREM", KEYS[1], member)
		redis.call("LPUSH", KEYS[2], member)
	end
	return #expired
`)

// RedisOption configures the Redis transport.
type RedisOption func(*Redis)

// WithRedisVisibilityTimeout sets how long a dequeued message may remain
// unacknowledged before it is redelivered.
func WithRedisVisibilityTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.visibility = d }
}

// Redis is a Transport backed by a Redis list (ready queue) and a sorted
// set of in-flight deliveries scored by visibility deadline. The caller
// owns the client lifecycle.
type Redis struct {
	client     redis.UniversalClient
	visibility time.Duration
}

var _ Transport = (*Redis)(nil)

// NewRedis creates a Redis-backed transport.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		visibility: defaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue pushes the job ID onto the ready list.
func (r *Redis) Enqueue(ctx context.Context, jobID id.JobID) error {
	if err := r.client.LPush(ctx, readyKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("chronoq/transport: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks until a delivery is available or ctx is done. Before each
// blocking pop it reclaims expired in-flight deliveries.
func (r *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := r.reclaim(ctx); err != nil {
			return nil, err
		}

		vals, err := r.client.BRPop(ctx, dequeueBlock, readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("chronoq/transport: dequeue: %w", err)
		}

		// BRPOP returns [key, value].
		raw := vals[1]
		jobID, parseErr := id.Parse(raw)
		if parseErr != nil {
			// Poison entry; drop it rather than wedging the queue.
			continue
		}

		deadline := float64(time.Now().Add(r.visibility).UnixMilli())
		if err := r.client.ZAdd(ctx, inflightKey, redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return nil, fmt.Errorf("chronoq/transport: track inflight: %w", err)
		}

		return &Delivery{
			JobID: jobID,
			ack: func(ctx context.Context) error {
				return r.client.ZRem(ctx, inflightKey, raw).Err()
			},
			nack: func(ctx context.Context) error {
				pipe := r.client.TxPipeline()
				pipe.ZRem(ctx, inflightKey, raw)
				pipe.LPush(ctx, readyKey, raw)
				_, err := pipe.Exec(ctx)
				return err
			},
		}, nil
	}
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (r *Redis) Close() error { return nil }

func (r *Redis) reclaim(ctx context.Context) error {
	err := reclaimScript.Run(ctx, r.client,
		[]string{inflightKey, readyKey},
		time.Now().UnixMilli(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("chronoq/transport: reclaim: %w", err)
	}
	return nil
}
