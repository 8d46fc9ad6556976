package ratelimit

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisLimiter constructs a Redis backed limiter so multiple apiwatch
// instances share one window table. Redis errors fail open: monitoring must
// never reject traffic because its own backend is down.
func NewRedisLimiter(addr, password string, db int, logger *slog.Logger) (Limiter, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "apiwatch:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (rl *redisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	counter, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.logRedisError("incr", err)
		return Decision{Allowed: true}
	}
	if counter == 1 {
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
	}
	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return Decision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		Limit:     limit,
		WindowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
