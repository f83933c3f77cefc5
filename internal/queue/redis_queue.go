// Package queue carries the Redis wake-up signal between the API and the worker.
// Postgres stays the source of truth for jobs; a lost signal only delays a job
// until the next poll.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"movie-history-sync/internal/config"
)

const defaultReadyKey = "jobs:ready"

// RedisQueue pushes job ids onto a ready list the idle worker blocks on.
type RedisQueue struct {
	client   redis.UniversalClient
	readyKey string
	maxLen   int64
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, readyKey: defaultReadyKey, maxLen: 1024}
}

// Notify announces a newly enqueued job. The list is trimmed so a stopped
// worker cannot make it grow without bound.
func (q *RedisQueue) Notify(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.readyKey, jobID)
	pipe.LTrim(ctx, q.readyKey, -q.maxLen, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a job is announced or timeout elapses. It reports whether
// a signal arrived. Any backlog of signals is drained in one go since the
// worker claims from Postgres anyway.
func (q *RedisQueue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		// BLPOP has one-second resolution on older servers
		timeout = time.Second
	}
	_, err := q.client.BLPop(ctx, timeout, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	if err := q.client.Del(ctx, q.readyKey).Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Depth returns the number of undelivered signals.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}
