// Package biz contains business logic layer implementations.
// It holds the circuit breaker, the ingestion gateway, the async processor and the
// health monitor; storage is reached only through the repository interfaces in repo.go.
package biz

import (
	"PulseGuard/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewStateListeners,
	NewCircuitBreaker,
	NewRateLimiterUseCase,
	NewIngestionUsecase,
	NewSummaryEnricher,
	NewAsyncProcessor,
	NewHealthMonitor,
	wire.Bind(new(Enricher), new(*SummaryEnricher)),
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(MetricRepo), new(*data.MetricStore)),
	wire.Bind(new(QueueRepo), new(*data.RedisQueue)),
	wire.Bind(new(RateLimitRepo), new(*data.RateLimitRepo)),
	wire.Bind(new(SnapshotRepo), new(*data.SnapshotRepo)),
	wire.Bind(new(CircuitStatePublisher), new(*data.CircuitStatePublisher)),
	wire.Bind(new(EventJournal), new(*data.EventJournal)),
	wire.Bind(new(AlertSink), new(*data.LogAlertSink)),
)
