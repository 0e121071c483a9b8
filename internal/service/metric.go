package service

import (
	"context"
	"strings"
	"time"

	"PulseGuard/internal/biz"
	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

const verdictUnknown = "UNKNOWN"

// QueryMetricsRequest carries the raw query string of GET /metrics.
type QueryMetricsRequest struct {
	EntityID string `json:"entity_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Limit    int    `json:"limit"`
}

// SubmitMetricReply is returned with 201 for an accepted submission.
type SubmitMetricReply struct {
	MetricID string              `json:"metric_id"`
	Record   *model.MetricRecord `json:"record"`
}

// QueryMetricsReply lists the records of a query.
type QueryMetricsReply struct {
	Metrics []*model.MetricRecord `json:"metrics"`
	Count   int                   `json:"count"`
}

// HealthReply merges the gateway health view with the monitor's latest verdict.
type HealthReply struct {
	Status               string               `json:"status"`
	CircuitStates        []model.CircuitState `json:"circuit_states"`
	Store                string               `json:"store"`
	StoreError           string               `json:"store_error,omitempty"`
	Queue                string               `json:"queue"`
	QueueError           string               `json:"queue_error,omitempty"`
	QueueDepth           *model.QueueDepth    `json:"queue_depth,omitempty"`
	Verdict              string               `json:"verdict"`
	Availability         *float64             `json:"availability"`
	ErrorBudgetRemaining *float64             `json:"error_budget_remaining"`
	CheckedAt            *time.Time           `json:"checked_at,omitempty"`
}

// MetricService implements the public metric endpoints.
type MetricService struct {
	uc      *biz.IngestionUsecase
	monitor *biz.HealthMonitor
	logger  *log.Helper
}

// NewMetricService creates a new MetricService instance.
func NewMetricService(uc *biz.IngestionUsecase, monitor *biz.HealthMonitor, logger log.Logger) *MetricService {
	return &MetricService{
		uc:      uc,
		monitor: monitor,
		logger:  log.NewHelper(logger),
	}
}

// SubmitMetric validates and stores one metric.
func (s *MetricService) SubmitMetric(ctx context.Context, req *biz.RawMetric) (*SubmitMetricReply, error) {
	record, err := s.uc.Submit(ctx, req)
	if err != nil {
		s.logger.Debugw("msg", "SubmitMetric rejected", "error", err)
		return nil, err
	}
	return &SubmitMetricReply{MetricID: record.MetricID, Record: record}, nil
}

// QueryMetrics returns the records of one entity (or all entities) in a time range.
func (s *MetricService) QueryMetrics(ctx context.Context, req *QueryMetricsRequest) (*QueryMetricsReply, error) {
	q := &biz.QueryRequest{EntityID: req.EntityID, Limit: req.Limit}
	var err error
	if q.From, err = parseTime("from", req.From); err != nil {
		return nil, err
	}
	if q.To, err = parseTime("to", req.To); err != nil {
		return nil, err
	}

	records, err := s.uc.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*model.MetricRecord{}
	}
	return &QueryMetricsReply{Metrics: records, Count: len(records)}, nil
}

// Health reports dependency status. It always answers, even when the store is down.
func (s *MetricService) Health(ctx context.Context, _ *struct{}) (*HealthReply, error) {
	h, err := s.uc.Health(ctx)
	if err != nil {
		return nil, err
	}
	reply := &HealthReply{
		Status:        h.Status,
		CircuitStates: h.CircuitStates,
		Store:         h.Store,
		StoreError:    h.StoreError,
		Queue:         h.Queue,
		QueueError:    h.QueueError,
		QueueDepth:    h.QueueDepth,
		Verdict:       verdictUnknown,
	}
	if latest := s.monitor.Latest(); latest != nil {
		availability, budget := latest.RollingAvailability, latest.ErrorBudgetRemaining
		checkedAt := latest.Timestamp
		reply.Verdict = string(latest.Verdict)
		reply.Availability = &availability
		reply.ErrorBudgetRemaining = &budget
		reply.CheckedAt = &checkedAt
	}
	return reply, nil
}

func parseTime(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, biz.NewValidationError("%s must be an RFC3339 timestamp", field)
	}
	return &t, nil
}
