package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type ingestionFixture struct {
	uc      *IngestionUsecase
	store   *MockMetricRepo
	queue   *MockQueueRepo
	breaker *CircuitBreaker
	clock   *fakeClock
}

func newIngestionFixture(t *testing.T) *ingestionFixture {
	t.Helper()
	clock := newFakeClock()
	c := testResilienceConf()
	breaker := NewCircuitBreaker(c, nil, nil, log.DefaultLogger)
	breaker.now = clock.Now

	store := new(MockMetricRepo)
	queue := new(MockQueueRepo)
	uc := NewIngestionUsecase(store, queue, breaker, nil, c, nil, log.DefaultLogger)
	uc.now = clock.Now
	ids := 0
	uc.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	return &ingestionFixture{uc: uc, store: store, queue: queue, breaker: breaker, clock: clock}
}

func TestSubmit_Success(t *testing.T) {
	f := newIngestionFixture(t)
	f.store.On("Put", mock.Anything, mock.AnythingOfType("*model.MetricRecord")).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.AnythingOfType("*model.QueueMessage")).Return(nil)

	record, err := f.uc.Submit(context.Background(), &RawMetric{
		EntityID:  "  svc-a ",
		Timestamp: "2024-03-01T14:00:00+02:00",
		Payload:   map[string]interface{}{"cpu": 0.5, "requests": 12, "latency": json.Number("3.5")},
		Source:    "file",
	})
	require.NoError(t, err)

	assert.Equal(t, "svc-a", record.EntityID)
	assert.Equal(t, "id-1", record.MetricID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), record.Timestamp)
	assert.Equal(t, model.SourceFile, record.Source)
	assert.Equal(t, map[string]float64{"cpu": 0.5, "requests": 12, "latency": 3.5}, record.Payload)

	enqueued := f.queue.Calls[0].Arguments.Get(1).(*model.QueueMessage)
	assert.Equal(t, "id-2", enqueued.ID)
	assert.Same(t, record, enqueued.Record)
	assert.Equal(t, 0, enqueued.AttemptCount)
	f.store.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestSubmit_Defaults(t *testing.T) {
	f := newIngestionFixture(t)
	f.store.On("Put", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	record, err := f.uc.Submit(context.Background(), &RawMetric{
		EntityID: "svc-a",
		Payload:  map[string]interface{}{"v": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), record.Timestamp)
	assert.Equal(t, model.SourceAPI, record.Source)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawMetric
	}{
		{"nil body", nil},
		{"missing entity", &RawMetric{Payload: map[string]interface{}{"v": 1.0}}},
		{"blank entity", &RawMetric{EntityID: "   ", Payload: map[string]interface{}{"v": 1.0}}},
		{"entity too long", &RawMetric{EntityID: strings.Repeat("x", 129), Payload: map[string]interface{}{"v": 1.0}}},
		{"empty payload", &RawMetric{EntityID: "svc-a"}},
		{"empty key", &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{" ": 1.0}}},
		{"non numeric", &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": "high"}}},
		{"nan", &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": math.NaN()}}},
		{"infinite", &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": math.Inf(1)}}},
		{"bad timestamp", &RawMetric{EntityID: "svc-a", Timestamp: "yesterday", Payload: map[string]interface{}{"v": 1.0}}},
		{"bad source", &RawMetric{EntityID: "svc-a", Source: "SENSOR", Payload: map[string]interface{}{"v": 1.0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIngestionFixture(t)
			_, err := f.uc.Submit(context.Background(), tt.raw)
			assert.True(t, IsValidationError(err), "got %v", err)
			assert.Equal(t, 400, int(kerrors.Code(err)))
			f.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
			f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmit_StoreFailures(t *testing.T) {
	f := newIngestionFixture(t)
	f.store.On("Put", mock.Anything, mock.Anything).
		Return(apperrors.NewStoreError(apperrors.KindUnavailable, "put", errors.New("connection refused"))).Times(5)

	raw := &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": 1.0}}
	for i := 0; i < 5; i++ {
		_, err := f.uc.Submit(context.Background(), raw)
		assert.True(t, IsDependencyError(err))
		assert.Equal(t, 503, int(kerrors.Code(err)))
	}

	// The write route is now open and the store is not called again.
	_, err := f.uc.Submit(context.Background(), raw)
	assert.True(t, IsCircuitOpenError(err))
	retryAfter, ok := RetryAfterSeconds(err)
	assert.True(t, ok)
	assert.Equal(t, 60, retryAfter)
	f.store.AssertNumberOfCalls(t, "Put", 5)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestSubmit_StoreRejectsRequest(t *testing.T) {
	f := newIngestionFixture(t)
	f.store.On("Put", mock.Anything, mock.Anything).
		Return(apperrors.NewStoreError(apperrors.KindInvalidRequest, "put", errors.New("item too large")))

	_, err := f.uc.Submit(context.Background(), &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": 1.0}})
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 0, f.breaker.State(RouteStoreWrite).ConsecutiveFailures)
}

func TestSubmit_EnqueueFailureIsNotFatal(t *testing.T) {
	f := newIngestionFixture(t)
	f.store.On("Put", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	record, err := f.uc.Submit(context.Background(), &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": 1.0}})
	require.NoError(t, err)
	assert.NotEmpty(t, record.MetricID)
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newIngestionFixture(t)
	limiterRepo := new(MockRateLimitRepo)
	limiterRepo.On("IncrementRPM", mock.Anything, "svc-a").Return(int64(11), nil)
	f.uc.limiter = newTestRateLimiter(limiterRepo, 10)

	_, err := f.uc.Submit(context.Background(), &RawMetric{EntityID: "svc-a", Payload: map[string]interface{}{"v": 1.0}})
	assert.Equal(t, ReasonRateLimit, kerrors.Reason(err))
	f.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
}

func TestQuery_RangeResolution(t *testing.T) {
	f := newIngestionFixture(t)
	now := f.clock.Now()
	from := now.Add(-2 * time.Hour)
	to := now.Add(-time.Hour)

	tests := []struct {
		name     string
		req      *QueryRequest
		wantFrom time.Time
		wantTo   time.Time
		limit    int
	}{
		{"no bounds", &QueryRequest{EntityID: "svc-a"}, now.Add(-24 * time.Hour), now, 1000},
		{"only from", &QueryRequest{EntityID: "svc-a", From: &from}, from, now, 1000},
		{"only to", &QueryRequest{EntityID: "svc-a", To: &to}, to.Add(-24 * time.Hour), to, 1000},
		{"both", &QueryRequest{EntityID: "svc-a", From: &from, To: &to, Limit: 10}, from, to, 10},
		{"limit capped", &QueryRequest{EntityID: "svc-a", Limit: 5000}, now.Add(-24 * time.Hour), now, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := f.uc.resolveQuery(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, q.From)
			assert.Equal(t, tt.wantTo, q.To)
			assert.Equal(t, tt.limit, q.Limit)
		})
	}
}

func TestQuery_Constraints(t *testing.T) {
	f := newIngestionFixture(t)
	now := f.clock.Now()
	later := now.Add(time.Hour)
	tooEarly := now.Add(-32 * 24 * time.Hour)

	tests := []struct {
		name string
		req  *QueryRequest
	}{
		{"reversed", &QueryRequest{EntityID: "svc-a", From: &later, To: &now}},
		{"too wide", &QueryRequest{EntityID: "svc-a", From: &tooEarly, To: &now}},
		{"negative limit", &QueryRequest{EntityID: "svc-a", Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.uc.Query(context.Background(), tt.req)
			assert.True(t, IsConstraintError(err), "got %v", err)
		})
	}
	f.store.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestQuery_SortsAndTruncates(t *testing.T) {
	f := newIngestionFixture(t)
	base := f.clock.Now().Add(-time.Hour)
	records := []*model.MetricRecord{
		{MetricID: "c", Timestamp: base.Add(3 * time.Minute)},
		{MetricID: "a", Timestamp: base.Add(time.Minute)},
		{MetricID: "b", Timestamp: base.Add(2 * time.Minute)},
	}
	f.store.On("Query", mock.Anything, mock.MatchedBy(func(q model.MetricQuery) bool {
		return q.EntityID == "svc-a" && q.Limit == 2
	})).Return(records, nil)

	got, err := f.uc.Query(context.Background(), &QueryRequest{EntityID: "svc-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].MetricID)
	assert.Equal(t, "b", got[1].MetricID)
}

func TestQuery_StoreFailure(t *testing.T) {
	f := newIngestionFixture(t)
	m := metrics.New()
	f.uc.metrics = m
	f.store.On("Query", mock.Anything, mock.Anything).
		Return(nil, apperrors.NewStoreError(apperrors.KindThrottled, "query", errors.New("throttled")))

	_, err := f.uc.Query(context.Background(), &QueryRequest{EntityID: "svc-a"})
	assert.True(t, IsDependencyError(err))
	assert.Equal(t, 1, f.breaker.State(RouteStoreRead).ConsecutiveFailures)

	// Read failures are counted as queries, not as submissions.
	assert.Equal(t, 1.0, counterValue(t, m, "pulseguard_query_requests_total", "failed"))
	assert.Equal(t, 0.0, counterValue(t, m, "pulseguard_ingest_submissions_total", "failed"))
}

func counterValue(t *testing.T, m *metrics.Metrics, name, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newIngestionFixture(t)
		f.queue.On("Depth", mock.Anything).Return(model.QueueDepth{Pending: 3, DeadLetter: 1}, nil)
		f.store.On("Ping", mock.Anything).Return(nil)

		h, err := f.uc.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GatewayHealthy, h.Status)
		assert.Equal(t, "ok", h.Store)
		require.Len(t, h.CircuitStates, 1)
		assert.Equal(t, RouteStoreRead, h.CircuitStates[0].Route)
		assert.Equal(t, "ok", h.Queue)
		require.NotNil(t, h.QueueDepth)
		assert.Equal(t, int64(3), h.QueueDepth.Pending)
	})

	t.Run("degraded when the queue is down", func(t *testing.T) {
		f := newIngestionFixture(t)
		f.store.On("Ping", mock.Anything).Return(nil)
		f.queue.On("Depth", mock.Anything).Return(model.QueueDepth{}, errors.New("redis: connection refused"))

		h, err := f.uc.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GatewayDegraded, h.Status)
		assert.Equal(t, "ok", h.Store)
		assert.Equal(t, "unavailable", h.Queue)
		assert.Contains(t, h.QueueError, "connection refused")
		assert.Nil(t, h.QueueDepth)
	})

	t.Run("degraded when a route is open", func(t *testing.T) {
		f := newIngestionFixture(t)
		f.queue.On("Depth", mock.Anything).Return(model.QueueDepth{Pending: 3, DeadLetter: 1}, nil)
		f.store.On("Ping", mock.Anything).Return(nil)
		tripOpen(t, f.breaker, RouteStoreWrite)

		h, err := f.uc.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GatewayDegraded, h.Status)
		assert.Equal(t, "ok", h.Store)
	})

	t.Run("unhealthy when the store is down", func(t *testing.T) {
		f := newIngestionFixture(t)
		f.queue.On("Depth", mock.Anything).Return(model.QueueDepth{Pending: 3, DeadLetter: 1}, nil)
		f.store.On("Ping", mock.Anything).Return(errors.New("connection refused"))

		h, err := f.uc.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GatewayUnhealthy, h.Status)
		assert.Equal(t, "unavailable", h.Store)
		assert.Contains(t, h.StoreError, "connection refused")
	})

	t.Run("unhealthy when the read route is open", func(t *testing.T) {
		f := newIngestionFixture(t)
		f.queue.On("Depth", mock.Anything).Return(model.QueueDepth{Pending: 3, DeadLetter: 1}, nil)
		tripOpen(t, f.breaker, RouteStoreRead)

		h, err := f.uc.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GatewayUnhealthy, h.Status)
		assert.Equal(t, "circuit_open", h.Store)
		f.store.AssertNotCalled(t, "Ping", mock.Anything)
	})
}
