package biz

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

const (
	maxEntityIDLength = 128
	enqueueTimeout    = 2 * time.Second
)

// Gateway health statuses
const (
	GatewayHealthy   = "healthy"
	GatewayDegraded  = "degraded"
	GatewayUnhealthy = "unhealthy"
)

// RawMetric is a submission as received from a client, before validation.
type RawMetric struct {
	EntityID  string                 `json:"entity_id"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Source    string                 `json:"source,omitempty"`
}

// QueryRequest selects stored metrics. Nil bounds are resolved against the default range.
type QueryRequest struct {
	EntityID string
	From     *time.Time
	To       *time.Time
	Limit    int
}

// GatewayHealth is the read-only health view of the gateway.
type GatewayHealth struct {
	Status        string               `json:"status"`
	CircuitStates []model.CircuitState `json:"circuit_states"`
	Store         string               `json:"store"`
	StoreError    string               `json:"store_error,omitempty"`
	Queue         string               `json:"queue"`
	QueueError    string               `json:"queue_error,omitempty"`
	QueueDepth    *model.QueueDepth    `json:"queue_depth,omitempty"`
}

// IngestionUsecase validates submissions, writes them through the breaker and hands them
// to the async path. It also serves queries and the gateway health view.
type IngestionUsecase struct {
	store        MetricRepo
	queue        QueueRepo
	breaker      *CircuitBreaker
	limiter      *RateLimiterUseCase
	metrics      *metrics.Metrics
	defaultRange time.Duration
	maxRange     time.Duration
	maxLimit     int
	now          func() time.Time
	newID        func() string
	log          *pkglog.LogHelper
}

// NewIngestionUsecase creates the ingestion gateway use case.
func NewIngestionUsecase(store MetricRepo, queue QueueRepo, breaker *CircuitBreaker, limiter *RateLimiterUseCase,
	c *conf.Resilience, m *metrics.Metrics, logger log.Logger) *IngestionUsecase {
	return &IngestionUsecase{
		store:        store,
		queue:        queue,
		breaker:      breaker,
		limiter:      limiter,
		metrics:      m,
		defaultRange: c.Ingest.DefaultQueryRange,
		maxRange:     c.Ingest.MaxQueryRange,
		maxLimit:     c.Ingest.MaxQueryLimit,
		now:          time.Now,
		newID:        uuid.NewString,
		log:          pkglog.NewLogHelper(logger),
	}
}

// Submit validates raw, stores it through the "store-write" breaker and enqueues it for
// async processing. Enqueue failures after a successful write are logged, not returned.
func (uc *IngestionUsecase) Submit(ctx context.Context, raw *RawMetric) (*model.MetricRecord, error) {
	record, err := uc.validate(raw)
	if err != nil {
		uc.metrics.IngestResult("invalid")
		return nil, err
	}
	pkglog.SetEntityID(ctx, record.EntityID)

	if uc.limiter != nil {
		if err := uc.limiter.CheckRPM(ctx, record.EntityID); err != nil {
			uc.metrics.IngestResult("rate_limited")
			return nil, err
		}
	}

	err = uc.breaker.Execute(ctx, RouteStoreWrite, func(ctx context.Context) error {
		return uc.store.Put(ctx, record)
	})
	if err != nil {
		return nil, uc.storeFailure("submit", uc.metrics.IngestResult, err)
	}

	uc.enqueue(ctx, record)
	uc.metrics.IngestResult("accepted")
	uc.log.Ingest("metric accepted",
		"entity_id", record.EntityID,
		"metric_id", record.MetricID,
		"request_id", pkglog.GetRequestID(ctx))
	return record, nil
}

func (uc *IngestionUsecase) enqueue(ctx context.Context, record *model.MetricRecord) {
	msg := &model.QueueMessage{
		ID:         uc.newID(),
		Record:     record,
		EnqueuedAt: uc.now().UTC(),
	}
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := uc.queue.Enqueue(enqCtx, msg); err != nil {
		uc.metrics.EnqueueFailed()
		uc.log.Warnw("msg", "enqueue failed after store write, record will not be enriched",
			"metric_id", record.MetricID,
			"entity_id", record.EntityID,
			"error", err)
	}
}

func (uc *IngestionUsecase) validate(raw *RawMetric) (*model.MetricRecord, error) {
	if raw == nil {
		return nil, NewValidationError("request body is required")
	}

	entityID := strings.TrimSpace(raw.EntityID)
	if entityID == "" {
		return nil, NewValidationError("entity_id is required")
	}
	if len(entityID) > maxEntityIDLength {
		return nil, NewValidationError("entity_id must be at most %d characters", maxEntityIDLength)
	}

	if len(raw.Payload) == 0 {
		return nil, NewValidationError("payload must contain at least one value")
	}
	payload := make(map[string]float64, len(raw.Payload))
	for key, value := range raw.Payload {
		if strings.TrimSpace(key) == "" {
			return nil, NewValidationError("payload keys must not be empty")
		}
		f, ok := toFloat(value)
		if !ok {
			return nil, NewValidationError("payload value %q must be numeric", key)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, NewValidationError("payload value %q must be finite", key)
		}
		payload[key] = f
	}

	timestamp := uc.now().UTC()
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, NewValidationError("timestamp must be RFC3339: %v", err)
		}
		timestamp = parsed.UTC()
	}

	source := model.SourceAPI
	if raw.Source != "" {
		source = model.Source(strings.ToUpper(raw.Source))
		if !source.Valid() {
			return nil, NewValidationError("source must be one of API, FILE, CUSTOM")
		}
	}

	return &model.MetricRecord{
		EntityID:  entityID,
		Timestamp: timestamp,
		MetricID:  uc.newID(),
		Payload:   payload,
		Source:    source,
	}, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Query returns records in ascending timestamp order through the "store-read" breaker.
//
// With no bounds the last default range is returned. Only From means up to now; only To
// means the default range before To. A reversed range or one wider than the maximum range
// is a ConstraintError. Limit defaults to, and is capped at, the maximum limit.
func (uc *IngestionUsecase) Query(ctx context.Context, req *QueryRequest) ([]*model.MetricRecord, error) {
	q, err := uc.resolveQuery(req)
	if err != nil {
		uc.metrics.QueryResult("invalid")
		return nil, err
	}

	var records []*model.MetricRecord
	err = uc.breaker.Execute(ctx, RouteStoreRead, func(ctx context.Context) error {
		var qErr error
		records, qErr = uc.store.Query(ctx, q)
		return qErr
	})
	if err != nil {
		return nil, uc.storeFailure("query", uc.metrics.QueryResult, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	if len(records) > q.Limit {
		records = records[:q.Limit]
	}
	uc.metrics.QueryResult("ok")
	uc.log.Query("metrics queried", "entity_id", q.EntityID, "count", len(records))
	return records, nil
}

func (uc *IngestionUsecase) resolveQuery(req *QueryRequest) (model.MetricQuery, error) {
	if req == nil {
		req = &QueryRequest{}
	}
	now := uc.now().UTC()

	var from, to time.Time
	switch {
	case req.From == nil && req.To == nil:
		to = now
		from = to.Add(-uc.defaultRange)
	case req.To == nil:
		from = req.From.UTC()
		to = now
	case req.From == nil:
		to = req.To.UTC()
		from = to.Add(-uc.defaultRange)
	default:
		from, to = req.From.UTC(), req.To.UTC()
	}

	if from.After(to) {
		return model.MetricQuery{}, NewConstraintError("from must not be after to")
	}
	if to.Sub(from) > uc.maxRange {
		return model.MetricQuery{}, NewConstraintError("query range must not exceed %s", uc.maxRange)
	}

	limit := req.Limit
	switch {
	case limit < 0:
		return model.MetricQuery{}, NewConstraintError("limit must not be negative")
	case limit == 0 || limit > uc.maxLimit:
		limit = uc.maxLimit
	}

	return model.MetricQuery{
		EntityID: strings.TrimSpace(req.EntityID),
		From:     from,
		To:       to,
		Limit:    limit,
	}, nil
}

// storeFailure maps an error from a breaker-guarded store call to an API error and
// counts the outcome with record.
func (uc *IngestionUsecase) storeFailure(op string, record func(outcome string), err error) error {
	switch {
	case IsCircuitOpenError(err):
		record("circuit_open")
		return err
	case apperrors.IsInvalidRequest(err):
		record("invalid")
		return NewValidationError("store rejected the %s request: %v", op, err)
	}
	record("failed")
	uc.log.Errorw("msg", "time-series store call failed", "op", op, "error", err)
	return NewDependencyError("time-series store", err)
}

// Health reports the gateway's view of its dependencies. It pings the store once through
// the "store-read" breaker, reads the queue depth and never mutates anything else.
// A store failure makes the gateway unhealthy; a queue failure only degrades it, since
// submissions are still stored.
func (uc *IngestionUsecase) Health(ctx context.Context) (*GatewayHealth, error) {
	pingErr := uc.breaker.Execute(ctx, RouteStoreRead, uc.store.Ping)
	depth, queueErr := uc.queue.Depth(ctx)

	h := &GatewayHealth{
		Store:         "ok",
		Queue:         "ok",
		CircuitStates: uc.breaker.Snapshot(),
	}
	if queueErr != nil {
		h.Queue = "unavailable"
		h.QueueError = queueErr.Error()
	} else {
		h.QueueDepth = &depth
	}
	if h.CircuitStates == nil {
		h.CircuitStates = []model.CircuitState{}
	}

	switch {
	case pingErr != nil:
		h.Status = GatewayUnhealthy
		h.Store = "unavailable"
		if IsCircuitOpenError(pingErr) {
			h.Store = "circuit_open"
		}
		h.StoreError = pingErr.Error()
	case queueErr != nil, anyRouteNotClosed(h.CircuitStates):
		h.Status = GatewayDegraded
	default:
		h.Status = GatewayHealthy
	}
	return h, nil
}

func anyRouteNotClosed(states []model.CircuitState) bool {
	for _, s := range states {
		if s.State != model.StateClosed {
			return true
		}
	}
	return false
}
