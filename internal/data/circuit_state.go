package data

import (
	"context"
	"fmt"

	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitStatePublisher implements biz.CircuitStatePublisher. It mirrors each route's
// breaker state into Redis so operators and other instances can read it.
type CircuitStatePublisher struct {
	cache  CacheClient
	logger *log.Helper
}

// NewCircuitStatePublisher creates a publisher backed by the Redis cache.
func NewCircuitStatePublisher(d *Data, logger log.Logger) *CircuitStatePublisher {
	return &CircuitStatePublisher{
		cache:  d.cache,
		logger: log.NewHelper(logger),
	}
}

// Publish stores the state under circuit:{route}.
func (p *CircuitStatePublisher) Publish(ctx context.Context, state *model.CircuitState) error {
	if err := p.cache.Set(ctx, redisKey(keyCircuit, state.Route), state, circuitStateTTL); err != nil {
		return fmt.Errorf("failed to publish circuit state: %w", err)
	}
	p.logger.Debugw("circuit state published", "route", state.Route, "state", string(state.State))
	return nil
}
