package coord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// priorityShift packs (priority, sequence) into one sorted-set score:
// score = priority<<40 + seq. Both halves stay well inside float64's exact
// integer range, so ordering is strict priority then FIFO.
const priorityShift = 1 << 40

// releaseScript deletes the lock only if the caller's token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoordinator implements Coordinator using go-redis/v9.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator creates a RedisCoordinator from a Redis URL.
func NewRedisCoordinator(redisURL string) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCoordinator{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

func (c *RedisCoordinator) Ping(ctx context.Context) error {
	return wrapErr(c.client.Ping(ctx).Err())
}

// wrapErr tags backend failures as ErrUnavailable so callers can trigger
// degraded mode with errors.Is.
func wrapErr(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- Locker ---

func (c *RedisCoordinator) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, wrapErr(err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *RedisCoordinator) Release(ctx context.Context, key, token string) error {
	return wrapErr(releaseScript.Run(ctx, c.client, []string{key}, token).Err())
}

// --- Queue ---

func (c *RedisCoordinator) Enqueue(ctx context.Context, jobID uuid.UUID, priority int, dedupe bool) (bool, error) {
	member := jobID.String()

	if dedupe {
		added, err := c.client.SAdd(ctx, inflightSetKey, member).Result()
		if err != nil {
			return false, wrapErr(err)
		}
		if added == 0 {
			return false, nil
		}
	} else {
		if err := c.client.SAdd(ctx, inflightSetKey, member).Err(); err != nil {
			return false, wrapErr(err)
		}
	}

	seq, err := c.client.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	score := float64(priority)*priorityShift + float64(seq)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, priorityHashKey, member, priority)
	pipe.ZAdd(ctx, readyQueueKey, redis.Z{Score: score, Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapErr(err)
	}
	return true, nil
}

func (c *RedisCoordinator) EnqueueDelayed(ctx context.Context, jobID uuid.UUID, priority int, readyAt time.Time) error {
	member := jobID.String()
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, inflightSetKey, member)
	pipe.HSet(ctx, priorityHashKey, member, priority)
	pipe.ZAdd(ctx, delayedQueueKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (c *RedisCoordinator) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	members, err := c.client.ZPopMin(ctx, readyQueueKey, 1).Result()
	if err != nil {
		return uuid.Nil, false, wrapErr(err)
	}
	if len(members) == 0 {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(members[0].Member.(string))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed queue member: %w", err)
	}
	return id, true, nil
}

func (c *RedisCoordinator) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	members, err := c.client.ZRangeByScore(ctx, delayedQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, wrapErr(err)
	}

	promoted := 0
	for _, member := range members {
		// ZREM settles the race with a concurrent promoter: only the caller
		// that actually removes the member re-enqueues it.
		removed, err := c.client.ZRem(ctx, delayedQueueKey, member).Result()
		if err != nil {
			return promoted, wrapErr(err)
		}
		if removed == 0 {
			continue
		}

		priority, err := c.client.HGet(ctx, priorityHashKey, member).Int()
		if err == redis.Nil {
			priority = 20
		} else if err != nil {
			return promoted, wrapErr(err)
		}

		jobID, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		if _, err := c.Enqueue(ctx, jobID, priority, false); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (c *RedisCoordinator) Remove(ctx context.Context, jobID uuid.UUID) (bool, error) {
	member := jobID.String()
	pipe := c.client.TxPipeline()
	readyRem := pipe.ZRem(ctx, readyQueueKey, member)
	delayedRem := pipe.ZRem(ctx, delayedQueueKey, member)
	pipe.SRem(ctx, inflightSetKey, member)
	pipe.HDel(ctx, priorityHashKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapErr(err)
	}
	return readyRem.Val() > 0 || delayedRem.Val() > 0, nil
}

func (c *RedisCoordinator) Finish(ctx context.Context, jobID uuid.UUID) error {
	member := jobID.String()
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, inflightSetKey, member)
	pipe.HDel(ctx, priorityHashKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (c *RedisCoordinator) Depth(ctx context.Context) (int64, error) {
	n, err := c.client.ZCard(ctx, readyQueueKey).Result()
	return n, wrapErr(err)
}

// --- Cancellation ---

func (c *RedisCoordinator) MarkCancelled(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	return wrapErr(c.client.Set(ctx, CancelKey(jobID), "1", ttl).Err())
}

func (c *RedisCoordinator) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, CancelKey(jobID)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

// --- Job status cache ---

func (c *RedisCoordinator) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return wrapErr(c.client.Set(ctx, JobStatusKey(jobID), status, ttl).Err())
}

func (c *RedisCoordinator) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return val, true, nil
}

// --- Rate limiting ---

func (c *RedisCoordinator) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapErr(err)
	}
	return incr.Val(), nil
}
