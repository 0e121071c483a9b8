package biz

import (
	"context"
	"fmt"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// RateLimiterUseCase limits metric submissions per entity with a fixed one-minute window.
type RateLimiterUseCase struct {
	repo     RateLimitRepo
	rpmLimit int64
	metrics  *metrics.Metrics
	logger   *pkglog.LogHelper
}

// NewRateLimiterUseCase creates a new rate limiter use case. A limit of 0 disables it.
func NewRateLimiterUseCase(repo RateLimitRepo, c *conf.Resilience, m *metrics.Metrics, logger log.Logger) *RateLimiterUseCase {
	return &RateLimiterUseCase{
		repo:     repo,
		rpmLimit: int64(c.Ingest.RPMLimit),
		metrics:  m,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// newRateLimitExceededError creates an HTTP 429 error.
func newRateLimitExceededError(entityID string, current, limit int64, retryAfter int) error {
	return errors.New(
		429,
		ReasonRateLimit,
		fmt.Sprintf("rate limit exceeded for entity %s: current=%d limit=%d", entityID, current, limit),
	).WithMetadata(map[string]string{MetadataRetryAfter: fmt.Sprint(retryAfter)})
}

// CheckRPM counts one request for entityID and rejects it above the limit.
// Redis failures allow the request (graceful degradation).
func (uc *RateLimiterUseCase) CheckRPM(ctx context.Context, entityID string) error {
	if uc.rpmLimit <= 0 {
		return nil
	}

	count, err := uc.repo.IncrementRPM(ctx, entityID)
	if err != nil {
		uc.logger.Warnf("Redis RPM check failed for entity %s: %v (request allowed)", entityID, err)
		return nil
	}

	if count > uc.rpmLimit {
		uc.metrics.RateLimited()
		uc.logger.RateLimit("RPM limit exceeded",
			"entity_id", entityID,
			"current", count,
			"limit", uc.rpmLimit)
		return newRateLimitExceededError(entityID, count, uc.rpmLimit, 60)
	}

	return nil
}
