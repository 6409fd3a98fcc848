package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "imei:rl:"

// slidingWindow prunes, counts and conditionally records in one step so
// concurrent callers on the same key cannot both take the last slot.
//
// KEYS[1] key; ARGV: now(ms), window(ms), max, member.
// Returns {allowed, retryAfterMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = tonumber(oldest[2]) + window - now
  if retry < 1 then retry = 1 end
  return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// Redis shares the window across processes using a sorted set per key.
type Redis struct {
	client redis.UniversalClient
	window time.Duration
	max    int
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, window time.Duration, max int) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Redis{client: client, window: window, max: max, now: time.Now}
}

// WithClock replaces time.Now, for tests.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{redisKeyPrefix + key},
		now, r.window.Milliseconds(), r.max, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

func (r *Redis) Window() time.Duration { return r.window }
func (r *Redis) Max() int              { return r.max }
