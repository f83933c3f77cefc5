package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrWaitExceeded is returned by Wait when no token became available in time.
var ErrWaitExceeded = errors.New("rate limit wait exceeded")

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// One bucket guards a family of keys sharing capacity and refill, e.g. the
// catalog quota shared by the API and the worker, or per-user enqueue limits.
type TokenBucket struct {
	client   redis.Cmdable
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// Keys passed to Allow and Wait are namespaced under prefix.
func NewTokenBucket(client redis.Cmdable, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *TokenBucket) key(k string) string {
	return fmt.Sprintf("rl:%s:%s", b.prefix, k)
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(key)}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	return parseReply(res)
}

// parseReply reads the script's {allowed, tokens} pair.
func parseReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply from bucket script: %T", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag from bucket script: %T", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	case string:
		var err error
		if tokens, err = strconv.ParseFloat(v, 64); err != nil {
			return false, 0, fmt.Errorf("unexpected token count from bucket script: %q", v)
		}
	default:
		return false, 0, fmt.Errorf("unexpected token count from bucket script: %T", arr[1])
	}
	return flag == 1, tokens, nil
}

// Wait blocks until a token is available, ctx is done, or maxWait elapses.
func (b *TokenBucket) Wait(ctx context.Context, key string, maxWait time.Duration) error {
	deadline := b.now().Add(maxWait)
	for {
		allowed, tokens, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		pause := b.retryAfter(tokens)
		if b.now().Add(pause).After(deadline) {
			return ErrWaitExceeded
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// retryAfter estimates how long until one whole token has refilled.
func (b *TokenBucket) retryAfter(tokens float64) time.Duration {
	if b.refill <= 0 {
		return time.Second
	}
	missing := 1 - tokens
	if missing < 0 {
		missing = 0
	}
	d := time.Duration(missing / b.refill * float64(time.Second))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
