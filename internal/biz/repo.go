package biz

import (
	"context"
	"time"

	"PulseGuard/internal/model"
)

// Following Kratos v2 DDD layout, repository interfaces live in the biz layer and are
// implemented in the data layer.

// MetricRepo is the time-series store. Errors are *errors.StoreError from pkg/errors.
// Put is idempotent on MetricID.
type MetricRepo interface {
	Put(ctx context.Context, record *model.MetricRecord) error
	Query(ctx context.Context, q model.MetricQuery) ([]*model.MetricRecord, error)
	Ping(ctx context.Context) error
}

// QueueRepo is the durable at-least-once queue.
type QueueRepo interface {
	Enqueue(ctx context.Context, msg *model.QueueMessage) error
	// Receive claims up to n visible messages; they stay invisible until the visibility timeout.
	Receive(ctx context.Context, n int) ([]*model.QueueMessage, error)
	// Ack, Release and DeadLetter only settle msg while its claim (ReceiptHandle) is current.
	Ack(ctx context.Context, msg *model.QueueMessage) error
	// Release stores msg (including its AttemptCount) and makes it visible again after delay.
	Release(ctx context.Context, msg *model.QueueMessage, delay time.Duration) error
	// DeadLetter atomically moves msg from the main queue to the dead-letter list.
	DeadLetter(ctx context.Context, msg *model.QueueMessage) error
	ListDeadLetters(ctx context.Context, limit int) ([]*model.QueueMessage, error)
	// Redrive moves up to limit dead letters back to the main queue with AttemptCount reset.
	Redrive(ctx context.Context, limit int) (int, error)
	Depth(ctx context.Context) (model.QueueDepth, error)
}

// RateLimitRepo counts requests per entity in fixed one-minute windows.
type RateLimitRepo interface {
	IncrementRPM(ctx context.Context, entityID string) (int64, error)
}

// SnapshotRepo persists health snapshots.
type SnapshotRepo interface {
	Save(ctx context.Context, snapshot *model.HealthSnapshot) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]*model.HealthSnapshot, error)
}

// CircuitStatePublisher shares breaker states with other instances and tooling.
type CircuitStatePublisher interface {
	Publish(ctx context.Context, state *model.CircuitState) error
}

// EventJournal records resilience events asynchronously. Calls never block.
type EventJournal interface {
	Record(ctx context.Context, entry *model.JournalEntry)
}

// AlertSink delivers health alerts. Delivery failures are returned but never retried.
type AlertSink interface {
	Notify(ctx context.Context, severity model.Severity, message string, details map[string]interface{}) error
}
