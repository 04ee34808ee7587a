// Package ratelimit provides Redis-backed sliding-window rate limiting and
// the distributed lock used to single-flight cron jobs.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/craftlabs/craft/internal/clock"
)

// slidingWindowScript keeps one zset per (limiter, identifier): members are
// unique request ids scored by arrival time in milliseconds. Expired entries
// are pruned, then the request is admitted only if the window still has room.
// Returns {allowed, used, oldest_score}.
const slidingWindowScript = `
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", window_start)
local used = redis.call("ZCARD", KEYS[1])

if used < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ttl)
  return {1, used + 1, 0}
end

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {0, used, tonumber(oldest[2])}
`

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// SlidingWindow admits at most Limit requests per identifier within any
// rolling Window.
type SlidingWindow struct {
	client *redis.Client
	script *redis.Script
	clock  clock.Clock

	Name   string
	Limit  int
	Window time.Duration
}

func NewSlidingWindow(client *redis.Client, clk clock.Clock, name string, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		clock:  clk,
		Name:   name,
		Limit:  limit,
		Window: window,
	}
}

// Allow runs the admission check for identifier (an IP, user id or email).
// A nil Redis client fails open: availability over strict limiting.
func (w *SlidingWindow) Allow(ctx context.Context, identifier string) (*Result, error) {
	if identifier == "" {
		return nil, errors.New("rate limit identifier is empty")
	}
	if w.client == nil {
		return &Result{Allowed: true, Limit: w.Limit, Remaining: w.Limit}, nil
	}

	now := w.clock.Now()
	key := fmt.Sprintf("ratelimit:%s:%s", w.Name, identifier)

	res, err := w.script.Run(ctx, w.client, []string{key},
		now.Add(-w.Window).UnixMilli(),
		now.UnixMilli(),
		w.Limit,
		w.Window.Milliseconds(),
		uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", w.Name, err)
	}
	if len(res) != 3 {
		return nil, errors.New("invalid rate limit script response")
	}

	allowed, _ := res[0].(int64)
	used, _ := res[1].(int64)
	oldest, _ := res[2].(int64)

	result := &Result{
		Allowed:   allowed == 1,
		Limit:     w.Limit,
		Remaining: w.Limit - int(used),
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		resetAt := time.UnixMilli(oldest).Add(w.Window)
		result.ResetAt = resetAt
		if retryAfter := resetAt.Sub(now); retryAfter > 0 {
			result.RetryAfter = retryAfter
		}
	}
	return result, nil
}
