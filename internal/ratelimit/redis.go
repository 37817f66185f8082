package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// slidingWindowSrc keeps the window check and the insert atomic across
// gateway instances.
//
// KEYS[1] window key; ARGV now ms, window ms, limit, member.
// Returns {allowed, count, retryMs}.
const slidingWindowSrc = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #oldest > 0 then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`

var slidingWindow = redis.NewScript(slidingWindowSrc)

// Redis is a sliding-window log shared by every gateway instance. Each
// admitted request is a sorted-set member scored by its Unix millisecond.
type Redis struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	member func(time.Time) string
}

func NewRedis(rdb *redis.Client, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		rdb:    rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
		member: func(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) },
	}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	d := Decision{Limit: l.limit}

	res, err := slidingWindow.Run(ctx, l.rdb, []string{"ratelimit:" + key},
		now.UnixMilli(), l.window.Milliseconds(), int64(l.limit), l.member(now)).Int64Slice()
	if err != nil {
		return d, err
	}
	if len(res) != 3 {
		return d, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	if res[0] == 0 {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - int(res[1])
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}
