package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps one counter per key and window in redis so that all
// instances share the budget.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	period time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		period: period,
		prefix: "ratelimit:initiate",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, l.period)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = l.period
	}
	return decide(incr.Val(), l.limit, time.Now().Add(remaining)), nil
}
