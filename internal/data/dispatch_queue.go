package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDispatchQueue is the live job dispatch queue: immediate jobs are pushed
// here by the scheduler and popped by workers with a short blocking timeout.
type RedisDispatchQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisDispatchQueue creates a dispatch queue over the given Redis client.
func NewRedisDispatchQueue(client redis.UniversalClient, key string) *RedisDispatchQueue {
	if key == "" {
		key = "jobs:dispatch"
	}
	return &RedisDispatchQueue{client: client, key: key}
}

// Push enqueues a job id for immediate processing.
func (q *RedisDispatchQueue) Push(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}

	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("push job id: %w", err)
	}
	return nil
}

// PopBlocking waits up to timeout for a job id. Returns ("", nil) when the
// queue stayed empty for the whole timeout.
func (q *RedisDispatchQueue) PopBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("pop job id: %w", err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply length: %d", len(res))
	}
	return res[1], nil
}

// Len reports the number of queued ids, for metrics.
func (q *RedisDispatchQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
