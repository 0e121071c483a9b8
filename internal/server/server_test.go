package server

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PulseGuard/internal/biz"
	"PulseGuard/internal/conf"
	"PulseGuard/internal/data"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	"PulseGuard/internal/server/middleware"
	"PulseGuard/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	down bool
}

func (s *fakeStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("connection refused")
	}
	return nil
}

func (s *fakeStore) Put(context.Context, *model.MetricRecord) error { return s.err() }

func (s *fakeStore) Query(context.Context, model.MetricQuery) ([]*model.MetricRecord, error) {
	return nil, s.err()
}

func (s *fakeStore) Ping(context.Context) error { return s.err() }

type components struct {
	conf      *conf.Resilience
	store     *fakeStore
	queue     *data.RedisQueue
	breaker   *biz.CircuitBreaker
	ingest    *biz.IngestionUsecase
	processor *biz.AsyncProcessor
	monitor   *biz.HealthMonitor
	metrics   *metrics.Metrics
}

func newComponents(t *testing.T) *components {
	t.Helper()
	logger := log.DefaultLogger
	c := &conf.Resilience{
		Breaker: &conf.Breaker{FailureThreshold: 2, OpenTimeout: 45 * time.Second},
		Queue: &conf.Queue{
			Name: "server-test", MaxAttempts: 3, VisibilityTimeout: 30 * time.Second,
			BackoffBase: time.Second, MaxBackoff: time.Minute, BatchSize: 10, Workers: 2,
			PollInterval: 10 * time.Millisecond,
		},
		Health: &conf.Health{SLOTargetAvailability: 0.9, CheckInterval: time.Hour, ProbeTimeout: time.Second, Window: time.Hour},
		Ingest: &conf.Ingest{RPMLimit: 1, DefaultQueryRange: time.Hour, MaxQueryRange: 24 * time.Hour, MaxQueryLimit: 1000},
	}
	m := metrics.New()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	d, cleanup, err := data.NewData(&conf.Data{}, logger, nil, rdb, data.NewCacheClient(rdb))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	store := &fakeStore{}
	queue := data.NewRedisQueue(d, c, logger)
	breaker := biz.NewCircuitBreaker(c, biz.NewStateListeners(nil, nil, logger), m, logger)
	limiter := biz.NewRateLimiterUseCase(data.NewRateLimitRepo(d, logger), c, m, logger)
	ingest := biz.NewIngestionUsecase(store, queue, breaker, limiter, c, m, logger)
	processor, err := biz.NewAsyncProcessor(queue, store, breaker, biz.NewSummaryEnricher(), nil, c, m, logger)
	require.NoError(t, err)
	monitor := biz.NewHealthMonitor(ingest, store, queue, nil, nil, nil, c, m, logger)

	return &components{
		conf: c, store: store, queue: queue, breaker: breaker,
		ingest: ingest, processor: processor, monitor: monitor, metrics: m,
	}
}

func newTestHTTPServer(t *testing.T, adminKey string) (*http.Server, *components) {
	cs := newComponents(t)
	logger := log.DefaultLogger
	srv := NewHTTPServer(&conf.Server{HTTP: &conf.ServerHTTP{Addr: "127.0.0.1:0", Timeout: time.Second}},
		&conf.Admin{APIKey: adminKey},
		service.NewMetricService(cs.ingest, cs.monitor, logger),
		service.NewAdminService(cs.breaker, cs.processor, cs.monitor, logger),
		cs.metrics, logger)
	return srv, cs
}

func serve(srv *http.Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_RetryAfterOnCircuitOpen(t *testing.T) {
	srv, cs := newTestHTTPServer(t, "")
	cs.store.down = true

	for _, entity := range []string{"svc-a", "svc-b"} {
		rec := serve(srv, nethttp.MethodPost, "/metrics", `{"entity_id":"`+entity+`","payload":{"v":1}}`, nil)
		assert.Equal(t, nethttp.StatusServiceUnavailable, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}

	rec := serve(srv, nethttp.MethodPost, "/metrics", `{"entity_id":"svc-c","payload":{"v":1}}`, nil)
	assert.Equal(t, nethttp.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), biz.ReasonCircuitOpen)
}

func TestHTTPServer_RetryAfterOnRateLimit(t *testing.T) {
	srv, _ := newTestHTTPServer(t, "")
	body := `{"entity_id":"svc-a","payload":{"v":1}}`

	require.Equal(t, nethttp.StatusCreated, serve(srv, nethttp.MethodPost, "/metrics", body, nil).Code)
	rec := serve(srv, nethttp.MethodPost, "/metrics", body, nil)
	assert.Equal(t, nethttp.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHTTPServer_RequestID(t *testing.T) {
	srv, _ := newTestHTTPServer(t, "")

	rec := serve(srv, nethttp.MethodGet, "/health", "", map[string]string{middleware.RequestIDHeader: "req-123"})
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(middleware.RequestIDHeader))

	rec = serve(srv, nethttp.MethodGet, "/health", "", nil)
	assert.Len(t, rec.Header().Get(middleware.RequestIDHeader), 12)
}

func TestHTTPServer_AdminAuth(t *testing.T) {
	srv, _ := newTestHTTPServer(t, "s3cret-admin-key")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing key", nil, nethttp.StatusUnauthorized},
		{"wrong key", map[string]string{middleware.AdminKeyHeader: "nope"}, nethttp.StatusUnauthorized},
		{"admin header", map[string]string{middleware.AdminKeyHeader: "s3cret-admin-key"}, nethttp.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer s3cret-admin-key"}, nethttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(srv, nethttp.MethodGet, "/admin/queue", "", tt.header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	// Public routes need no key
	assert.Equal(t, nethttp.StatusOK, serve(srv, nethttp.MethodGet, "/health", "", nil).Code)
}

func TestHTTPServer_AdminDisabledWithoutKey(t *testing.T) {
	srv, _ := newTestHTTPServer(t, "")

	rec := serve(srv, nethttp.MethodGet, "/admin/queue", "", map[string]string{middleware.AdminKeyHeader: ""})
	assert.Equal(t, nethttp.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), middleware.ReasonAdminDisabled)
}

func TestHTTPServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestHTTPServer(t, "")
	serve(srv, nethttp.MethodGet, "/health", "", nil)

	rec := serve(srv, nethttp.MethodGet, MetricsPath, "", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulseguard_")
}

func TestWorkerServer_StartStop(t *testing.T) {
	cs := newComponents(t)
	w := NewWorkerServer(cs.processor, cs.monitor, cs.conf, log.DefaultLogger)

	msg := &model.QueueMessage{
		ID: "q-1",
		Record: &model.MetricRecord{
			EntityID: "svc-a", MetricID: "m-1", Timestamp: time.Now().UTC(),
			Payload: map[string]float64{"v": 1}, Source: model.SourceAPI,
		},
		EnqueuedAt: time.Now().UTC(),
	}
	require.NoError(t, cs.queue.Enqueue(context.Background(), msg))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	// The first health cycle runs right away and the queued message is drained.
	assert.Eventually(t, func() bool { return cs.monitor.Latest() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		depth, err := cs.queue.Depth(context.Background())
		return err == nil && depth.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerServer_StopBeforeStart(t *testing.T) {
	cs := newComponents(t)
	w := NewWorkerServer(cs.processor, cs.monitor, cs.conf, log.DefaultLogger)
	assert.NoError(t, w.Stop(context.Background()))
}
