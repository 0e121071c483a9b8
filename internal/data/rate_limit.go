package data

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// RateLimitRepo counts submissions per entity in fixed one-minute Redis windows.
type RateLimitRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewRateLimitRepo creates a new rate limit repository.
func NewRateLimitRepo(d *Data, logger log.Logger) *RateLimitRepo {
	return &RateLimitRepo{
		rdb:    d.redisClient,
		logger: log.NewHelper(logger),
	}
}

// IncrementRPM counts one request for entityID and returns the count of the current window.
// The window starts with the first request and expires one minute later.
func (r *RateLimitRepo) IncrementRPM(ctx context.Context, entityID string) (int64, error) {
	if r.rdb == nil {
		return 0, errNoRedis
	}

	key := getRateLimitKey(entityID)
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit incr %s: %w", key, err)
	}
	if count == 1 {
		// A missing expiry only makes the window longer; the count is still valid.
		if err := r.rdb.Expire(ctx, key, rateWindow).Err(); err != nil {
			r.logger.Warnw("msg", "failed to start rate limit window", "entity_id", entityID, "error", err)
		}
	}
	return count, nil
}

// getRateLimitKey returns rate:{entity_id}:rpm.
func getRateLimitKey(entityID string) string {
	return redisKey(keyRate, entityID, "rpm")
}
