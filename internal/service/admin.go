package service

import (
	"context"
	"strings"

	"PulseGuard/internal/biz"
	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// ResetCircuitRequest names the breaker route to reset.
type ResetCircuitRequest struct {
	Route string `json:"route"`
}

// LimitRequest is the query string shared by the admin list endpoints.
type LimitRequest struct {
	Limit int `json:"limit"`
}

// DeadLettersReply lists dead-lettered messages, newest first.
type DeadLettersReply struct {
	DeadLetters []*model.QueueMessage `json:"dead_letters"`
	Count       int                   `json:"count"`
	Depth       model.QueueDepth      `json:"depth"`
}

// RedriveReply reports how many dead letters were moved back.
type RedriveReply struct {
	Redriven int `json:"redriven"`
}

// HealthHistoryReply lists recent health snapshots, oldest first.
type HealthHistoryReply struct {
	Snapshots []*model.HealthSnapshot `json:"snapshots"`
	Count     int                     `json:"count"`
}

// AdminService implements the operator endpoints.
type AdminService struct {
	breaker   *biz.CircuitBreaker
	processor *biz.AsyncProcessor
	monitor   *biz.HealthMonitor
	logger    *log.Helper
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(breaker *biz.CircuitBreaker, processor *biz.AsyncProcessor, monitor *biz.HealthMonitor,
	logger log.Logger) *AdminService {
	return &AdminService{
		breaker:   breaker,
		processor: processor,
		monitor:   monitor,
		logger:    log.NewHelper(logger),
	}
}

// ResetCircuit forces a route back to CLOSED.
func (s *AdminService) ResetCircuit(ctx context.Context, req *ResetCircuitRequest) (*model.CircuitState, error) {
	route := strings.TrimSpace(req.Route)
	state, ok := s.breaker.Reset(ctx, route)
	if !ok {
		return nil, biz.NewNotFoundError("circuit route %q not found", route)
	}
	s.logger.Infow("msg", "circuit reset by operator", "route", route)
	return &state, nil
}

// ListDeadLetters returns dead-lettered messages and the current queue depth.
func (s *AdminService) ListDeadLetters(ctx context.Context, req *LimitRequest) (*DeadLettersReply, error) {
	msgs, err := s.processor.ListDeadLetters(ctx, req.Limit)
	if err != nil {
		s.logger.Errorw("msg", "failed to list dead letters", "error", err)
		return nil, biz.NewDependencyError("queue", err)
	}
	depth, err := s.processor.Depth(ctx)
	if err != nil {
		return nil, biz.NewDependencyError("queue", err)
	}
	if msgs == nil {
		msgs = []*model.QueueMessage{}
	}
	return &DeadLettersReply{DeadLetters: msgs, Count: len(msgs), Depth: depth}, nil
}

// RedriveDeadLetters moves the oldest dead letters back onto the queue.
func (s *AdminService) RedriveDeadLetters(ctx context.Context, req *LimitRequest) (*RedriveReply, error) {
	n, err := s.processor.Redrive(ctx, req.Limit)
	if err != nil {
		s.logger.Errorw("msg", "redrive failed", "redriven", n, "error", err)
		return nil, biz.NewDependencyError("queue", err)
	}
	return &RedriveReply{Redriven: n}, nil
}

// QueueDepth reports the pending and dead-letter sizes.
func (s *AdminService) QueueDepth(ctx context.Context, _ *struct{}) (*model.QueueDepth, error) {
	depth, err := s.processor.Depth(ctx)
	if err != nil {
		return nil, biz.NewDependencyError("queue", err)
	}
	return &depth, nil
}

// HealthHistory returns the most recent monitor snapshots.
func (s *AdminService) HealthHistory(_ context.Context, req *LimitRequest) (*HealthHistoryReply, error) {
	if req.Limit < 0 {
		return nil, biz.NewConstraintError("limit must not be negative")
	}
	snapshots := s.monitor.History(req.Limit)
	return &HealthHistoryReply{Snapshots: snapshots, Count: len(snapshots)}, nil
}
