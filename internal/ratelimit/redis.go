package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindow trims the sorted set to the window, then admits the request if the
// remaining count is under the limit. Returns {allowed, retryAfterMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

type RedisConfig struct {
	Prefix  string
	Window  time.Duration
	Max     int
	Timeout time.Duration
}

// Redis is the shared limiter. It fails open: when the store is unreachable or
// slow the request is allowed and a degraded-mode warning is logged.
type Redis struct {
	client redis.Scripter
	cfg    RedisConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewRedis(client redis.Scripter, cfg RedisConfig, log *zap.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit:orders"
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		log:    log.Named("ratelimit"),
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) Decision {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{fmt.Sprintf("%s:%s", r.cfg.Prefix, key)},
		now, r.cfg.Window.Milliseconds(), r.cfg.Max, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		r.log.Warn("rate limiter degraded, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return allow()
	}
	if res[0] == 1 {
		return allow()
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}
}
