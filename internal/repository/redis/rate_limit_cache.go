package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/model"
)

const rateLimitPrefix = "rate_limit:"

const (
	StrategyFixed   = "fixed"
	StrategySliding = "sliding"
)

// fixedWindowScript counts a hit and starts the window on the first one.
// Returns {count, pttl}.
var fixedWindowScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// slidingWindowScript records a hit only while under the limit. A denied hit
// reports limit+1 and the time until the oldest recorded hit leaves the window.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {count + 1, window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local ttl = window
if oldest[2] then
	ttl = tonumber(oldest[2]) + window - now
end
return {count + 1, ttl}
`)

// RateLimitCache keeps per-subject counters in Redis. Each check is a single
// script call, so concurrent requests cannot both slip under the limit.
type RateLimitCache struct {
	client   goredis.Scripter
	strategy string
	now      func() time.Time
	logger   *zap.Logger
}

var _ model.RateLimitStore = (*RateLimitCache)(nil)

func NewRateLimitCache(client goredis.Scripter, strategy string, logger *zap.Logger) *RateLimitCache {
	if strategy != StrategySliding {
		strategy = StrategyFixed
	}
	return &RateLimitCache{
		client:   client,
		strategy: strategy,
		now:      time.Now,
		logger:   logger,
	}
}

func (c *RateLimitCache) Hit(ctx context.Context, key string, limit int, window time.Duration) (int64, time.Duration, error) {
	if c.strategy == StrategySliding {
		return c.slidingWindow(ctx, key, limit, window)
	}
	return c.fixedWindow(ctx, key, window)
}

func (c *RateLimitCache) fixedWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, c.client, []string{rateLimitPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to execute fixed window rate limit: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected result format from fixed window script")
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (c *RateLimitCache) slidingWindow(ctx context.Context, key string, limit int, window time.Duration) (int64, time.Duration, error) {
	now := c.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, c.client, []string{rateLimitPrefix + "sw:" + key},
		now, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
