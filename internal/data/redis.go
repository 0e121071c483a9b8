package data

import (
	"context"
	"fmt"
	"time"

	"PulseGuard/internal/conf"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Redis pool settings
const (
	redisPoolSize        = 100
	redisMinIdleConns    = 10
	redisDialTimeout     = 3 * time.Second
	redisConnMaxIdleTime = 5 * time.Minute
	redisPingTimeout     = 3 * time.Second
)

// NewRedisClient connects to the Redis instance that backs the queue, the rate limiter and
// the circuit state cache. Without an address it returns a nil client and the
// Redis-backed repositories report errors instead.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := pkglog.NewLogHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warnw("msg", "Redis is not configured, queue and rate limiting are unavailable")
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(redisOptions(c.Redis))
	closeClient := func() {
		helper.Redis("closing Redis client", "addr", c.Redis.Addr)
		if err := rdb.Close(); err != nil {
			helper.Errorw("msg", "failed to close Redis client", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return rdb, closeClient, fmt.Errorf("redis ping %s failed: %w", c.Redis.Addr, err)
	}

	helper.Redis("Redis connected", "addr", c.Redis.Addr, "db", c.Redis.DB)
	return rdb, closeClient, nil
}

func redisOptions(c *conf.Redis) *redis.Options {
	network := c.Network
	if network == "" {
		network = "tcp"
	}
	return &redis.Options{
		Network:         network,
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		PoolSize:        redisPoolSize,
		MinIdleConns:    redisMinIdleConns,
		DialTimeout:     redisDialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ConnMaxIdleTime: redisConnMaxIdleTime,
	}
}
