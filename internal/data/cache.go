package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key namespaces
const (
	keyCircuit = "circuit" // circuit:{route}
	keyRate    = "rate"    // rate:{entity_id}:rpm
)

const (
	// circuitStateTTL bounds how long a published breaker state outlives its instance.
	circuitStateTTL = 24 * time.Hour
	// rateWindow is the fixed rate limit window.
	rateWindow = time.Minute
)

// ErrCacheMiss is returned by CacheClient.Get for a missing or expired key.
var ErrCacheMiss = errors.New("cache miss")

// CacheClient stores JSON documents in Redis with a TTL.
type CacheClient interface {
	// Get decodes the document under key into dest, or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type jsonCache struct {
	rdb *redis.Client
}

// NewCacheClient creates the Redis JSON cache. A nil client makes every call fail.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &jsonCache{rdb: rdb}
}

func (c *jsonCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.rdb == nil {
		return errNoRedis
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return ErrCacheMiss
	case err != nil:
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

func (c *jsonCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.rdb == nil {
		return errNoRedis
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// redisKey joins a namespace and its parts with ":".
func redisKey(namespace string, parts ...string) string {
	return strings.Join(append([]string{namespace}, parts...), ":")
}
