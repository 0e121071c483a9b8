package data

import (
	"context"
	"testing"
	"time"

	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedItem struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestCacheSetGet(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "item:1", cachedItem{Name: "cpu", Value: 0.5}, time.Minute))

	var got cachedItem
	require.NoError(t, cache.Get(ctx, "item:1", &got))
	assert.Equal(t, cachedItem{Name: "cpu", Value: 0.5}, got)

	ttl := rdb.TTL(ctx, "item:1").Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestCacheGet_KeyNotFound(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	cache := NewCacheClient(rdb)

	var got cachedItem
	assert.ErrorIs(t, cache.Get(context.Background(), "missing", &got), ErrCacheMiss)
}

func TestCacheGet_InvalidJSON(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	cache := NewCacheClient(rdb)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, "bad", "{not json", 0).Err())

	var got cachedItem
	err := cache.Get(ctx, "bad", &got)
	assert.ErrorContains(t, err, "cache decode bad")
}

func TestCacheTTLExpiration(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", cachedItem{Name: "x"}, time.Second))
	mr.FastForward(2 * time.Second)

	var got cachedItem
	assert.ErrorIs(t, cache.Get(ctx, "short", &got), ErrCacheMiss)
}

func TestCacheClient_NilRedisClient(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	var got cachedItem
	assert.ErrorIs(t, cache.Get(ctx, "k", &got), errNoRedis)
	assert.ErrorIs(t, cache.Set(ctx, "k", got, time.Minute), errNoRedis)
}

func TestRedisKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		parts     []string
		want      string
	}{
		{"circuit", keyCircuit, []string{"store-write"}, "circuit:store-write"},
		{"rate", keyRate, []string{"svc-a", "rpm"}, "rate:svc-a:rpm"},
		{"namespace only", "plain", nil, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, redisKey(tt.namespace, tt.parts...))
		})
	}
}

func TestCircuitStatePublisher(t *testing.T) {
	d, mr := setupTestData(t)
	publisher := NewCircuitStatePublisher(d, log.DefaultLogger)
	ctx := context.Background()

	var loaded model.CircuitState
	err := d.cache.Get(ctx, "circuit:store-write", &loaded)
	assert.ErrorIs(t, err, ErrCacheMiss)

	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &model.CircuitState{
		Route:               "store-write",
		State:               model.StateOpen,
		ConsecutiveFailures: 5,
		LastFailureAt:       &failedAt,
	}
	require.NoError(t, publisher.Publish(ctx, state))
	assert.True(t, mr.Exists("circuit:store-write"))

	require.NoError(t, d.cache.Get(ctx, "circuit:store-write", &loaded))
	assert.Equal(t, model.StateOpen, loaded.State)
	assert.Equal(t, 5, loaded.ConsecutiveFailures)
	require.NotNil(t, loaded.LastFailureAt)
	assert.True(t, failedAt.Equal(*loaded.LastFailureAt))
}

func TestCircuitStatePublisher_RedisDown(t *testing.T) {
	d, mr := setupTestData(t)
	publisher := NewCircuitStatePublisher(d, log.DefaultLogger)
	mr.Close()

	err := publisher.Publish(context.Background(), &model.CircuitState{Route: "store-read", State: model.StateClosed})
	assert.Error(t, err)
}
