package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is the sorted set holding admissions when no key is given.
const DefaultRedisKey = "admin-export:ratelimit"

// admitScript trims the window, then either records an admission and
// returns 0 or returns the milliseconds until the oldest admission leaves
// the window. Scores are Redis server time in milliseconds so all
// processes share one clock.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local member = ARGV[3]

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return 0
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
	wait = 1
end
return wait
`)

// RedisWindow is a sliding-log limiter whose admission log lives in a
// Redis sorted set, so several exporters for the same organization share
// one ceiling.
//
// Callers in one process are serialized by a mutex while they poll, which
// keeps local admission FIFO.
type RedisWindow struct {
	mu     sync.Mutex
	redis  *redis.Client
	key    string
	limit  int
	period time.Duration
	logger zerolog.Logger
}

// NewRedisWindow creates a Redis-backed limiter admitting limit calls per
// period under key.
func NewRedisWindow(client *redis.Client, key string, limit int, period time.Duration, logger zerolog.Logger) (*RedisWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 || period < time.Millisecond {
		return nil, fmt.Errorf("%w (limit=%d, period=%s)", ErrInvalidLimit, limit, period)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisWindow{
		redis:  client,
		key:    key,
		limit:  limit,
		period: period,
		logger: logger,
	}, nil
}

// Acquire blocks until the shared window has a free slot.
func (w *RedisWindow) Acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	member := uuid.NewString()

	for {
		waitMs, err := admitScript.Run(ctx, w.redis, []string{w.key},
			w.period.Milliseconds(), w.limit, member).Int64()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("redis rate limit admit: %w", err)
		}

		if waitMs == 0 {
			waited := time.Since(start)
			acquiresTotal.WithLabelValues("redis").Inc()
			acquireWaitSeconds.WithLabelValues("redis").Observe(waited.Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		w.logger.Debug().
			Str("key", w.key).
			Dur("wait", wait).
			Msg("Shared rate limit window full - waiting for slot")

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// State reads the shared window from Redis.
func (w *RedisWindow) State(ctx context.Context) (State, error) {
	now := time.Now()
	cutoff := now.Add(-w.period).UnixMilli()

	entries, err := w.redis.ZRangeByScoreWithScores(ctx, w.key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return State{}, fmt.Errorf("read rate limit window: %w", err)
	}

	state := State{Limit: w.limit, Period: w.period, InWindow: len(entries), NextSlotAt: now}
	if len(entries) >= w.limit {
		oldest := entries[len(entries)-w.limit].Score
		state.NextSlotAt = time.UnixMilli(int64(oldest)).Add(w.period)
	}
	return state, nil
}

// Reset clears the shared window.
func (w *RedisWindow) Reset(ctx context.Context) error {
	if err := w.redis.Del(ctx, w.key).Err(); err != nil {
		return fmt.Errorf("reset rate limit window: %w", err)
	}
	return nil
}
