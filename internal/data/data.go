// Package data provides data access layer implementations.
// MySQL (through GORM) holds metric records, health snapshots and the event journal;
// Redis holds the durable queue, rate limit counters and published circuit states.
package data

import (
	"PulseGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewMetricStore,
	NewRedisQueue,
	NewRateLimitRepo,
	NewSnapshotRepo,
	NewEventJournal,
	NewCircuitStatePublisher,
	NewLogAlertSink,
)

// Data contains all data layer dependencies.
type Data struct {
	db          *gorm.DB
	redisClient *redis.Client
	cache       CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// A nil Redis client does not prevent startup; Redis-backed repositories report errors instead.
func NewData(_ *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, queue and rate limiting will be unavailable")
	}

	d := &Data{
		db:          db,
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Connections are closed by the cleanup functions of their own providers.
	}

	return d, cleanup, nil
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
