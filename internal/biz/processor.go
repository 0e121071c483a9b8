package biz

import (
	"context"
	"fmt"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	settleTimeout             = 5 * time.Second
	defaultProcessedCacheSize = 10000
	maxBatchSize              = 10
)

// Message outcomes, also used as metric labels.
const (
	OutcomeAcked        = "acked"
	OutcomeDuplicate    = "duplicate"
	OutcomeReleased     = "released"
	OutcomeDeferred     = "deferred"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAbandoned    = "abandoned"
)

// AsyncProcessor drains the durable queue with a pool of workers. Each message is enriched
// and persisted through the "store-write" breaker, then acked, released with backoff, or
// dead-lettered.
type AsyncProcessor struct {
	queue        QueueRepo
	store        MetricRepo
	breaker      *CircuitBreaker
	enricher     Enricher
	journal      EventJournal
	processed    *lru.Cache[string, struct{}]
	maxAttempts  int
	backoffBase  time.Duration
	maxBackoff   time.Duration
	batchSize    int
	workers      int
	pollInterval time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	log          *pkglog.LogHelper
}

// NewAsyncProcessor creates the processor. The batch size is clamped to 1..10.
func NewAsyncProcessor(queue QueueRepo, store MetricRepo, breaker *CircuitBreaker, enricher Enricher,
	journal EventJournal, c *conf.Resilience, m *metrics.Metrics, logger log.Logger) (*AsyncProcessor, error) {
	qc := c.Queue
	size := qc.ProcessedCacheSize
	if size <= 0 {
		size = defaultProcessedCacheSize
	}
	processed, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed-id cache: %w", err)
	}

	batch := qc.BatchSize
	if batch < 1 {
		batch = 1
	} else if batch > maxBatchSize {
		batch = maxBatchSize
	}
	workers := qc.Workers
	if workers < 1 {
		workers = 1
	}

	return &AsyncProcessor{
		queue:        queue,
		store:        store,
		breaker:      breaker,
		enricher:     enricher,
		journal:      journal,
		processed:    processed,
		maxAttempts:  qc.MaxAttempts,
		backoffBase:  qc.BackoffBase,
		maxBackoff:   qc.MaxBackoff,
		batchSize:    batch,
		workers:      workers,
		pollInterval: qc.PollInterval,
		metrics:      m,
		now:          time.Now,
		log:          pkglog.NewLogHelper(logger),
	}, nil
}

// Run starts the worker pool and blocks until ctx is done.
func (p *AsyncProcessor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.workLoop(ctx, worker)
			return nil
		})
	}
	p.log.Queue("async processor started", "workers", p.workers, "batch_size", p.batchSize)
	return g.Wait()
}

func (p *AsyncProcessor) workLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		n, err := p.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warnw("msg", "queue receive failed", "worker", worker, "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.pollInterval):
		}
	}
}

// DrainOnce receives one batch and processes every message in it.
// It returns the number of messages received.
func (p *AsyncProcessor) DrainOnce(ctx context.Context) (int, error) {
	msgs, err := p.queue.Receive(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		p.Process(ctx, msg)
	}
	return len(msgs), nil
}

// Process handles one message and returns how it was settled. A panic while
// processing is treated as a retryable failure.
func (p *AsyncProcessor) Process(ctx context.Context, msg *model.QueueMessage) (outcome string) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("msg", "panic while processing message", "message_id", msg.ID, "panic", fmt.Sprint(r))
			outcome = p.retry(ctx, msg, fmt.Errorf("panic: %v", r))
		}
		p.metrics.QueueResult(outcome, p.now().Sub(start))
	}()

	if msg.Record == nil {
		return p.deadLetter(ctx, msg, NewValidationError("message %s has no record", msg.ID))
	}

	if p.processed.Contains(msg.Record.MetricID) {
		p.ack(ctx, msg)
		return OutcomeDuplicate
	}

	err := p.handle(ctx, msg)
	switch {
	case err == nil:
		p.ack(ctx, msg)
		p.processed.Add(msg.Record.MetricID, struct{}{})
		return OutcomeAcked
	case ctx.Err() != nil:
		// Shutting down: the message becomes visible again after the visibility timeout.
		return OutcomeAbandoned
	case IsCircuitOpenError(err):
		p.release(ctx, msg, p.backoff(msg.AttemptCount), err)
		return OutcomeDeferred
	case !retryable(err):
		return p.deadLetter(ctx, msg, err)
	}
	return p.retry(ctx, msg, err)
}

func (p *AsyncProcessor) handle(ctx context.Context, msg *model.QueueMessage) error {
	derived, err := p.enricher.Enrich(ctx, msg.Record)
	if err != nil {
		return err
	}
	records := append([]*model.MetricRecord{msg.Record}, derived...)

	return p.breaker.Execute(ctx, RouteStoreWrite, func(ctx context.Context) error {
		for _, r := range records {
			if err := p.store.Put(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func retryable(err error) bool {
	return !IsValidationError(err) && !IsConstraintError(err) && !apperrors.IsInvalidRequest(err)
}

// retry consumes one attempt and either releases the message with backoff or, once
// attempts are exhausted, dead-letters it.
func (p *AsyncProcessor) retry(ctx context.Context, msg *model.QueueMessage, cause error) string {
	msg.AttemptCount++
	if msg.AttemptCount >= p.maxAttempts {
		return p.deadLetter(ctx, msg, NewQueueExhaustedError(msg.AttemptCount, cause))
	}
	p.release(ctx, msg, p.backoff(msg.AttemptCount), cause)
	return OutcomeReleased
}

// backoff returns base * 2^attempt, capped at the maximum backoff.
func (p *AsyncProcessor) backoff(attempt int) time.Duration {
	delay := p.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.maxBackoff > 0 && delay >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	if p.maxBackoff > 0 && delay > p.maxBackoff {
		return p.maxBackoff
	}
	return delay
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (p *AsyncProcessor) ack(ctx context.Context, msg *model.QueueMessage) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Ack(sctx, msg); err != nil {
		p.log.Warnw("msg", "ack failed, message will be redelivered", "message_id", msg.ID, "error", err)
	}
}

func (p *AsyncProcessor) release(ctx context.Context, msg *model.QueueMessage, delay time.Duration, cause error) {
	msg.LastError = cause.Error()
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Release(sctx, msg, delay); err != nil {
		p.log.Warnw("msg", "release failed, message reappears after visibility timeout", "message_id", msg.ID, "error", err)
		return
	}
	p.log.Queue("message released for retry",
		"message_id", msg.ID,
		"attempt_count", msg.AttemptCount,
		"delay", delay.String(),
		"error", cause)
}

func (p *AsyncProcessor) deadLetter(ctx context.Context, msg *model.QueueMessage, cause error) string {
	now := p.now().UTC()
	msg.LastError = cause.Error()
	msg.DeadLetteredAt = &now

	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.DeadLetter(sctx, msg); err != nil {
		p.log.Errorw("msg", "dead-letter failed, message reappears after visibility timeout", "message_id", msg.ID, "error", err)
		return OutcomeAbandoned
	}

	metricID := ""
	if msg.Record != nil {
		metricID = msg.Record.MetricID
	}
	p.log.DeadLetter("message dead-lettered",
		"message_id", msg.ID,
		"metric_id", metricID,
		"attempt_count", msg.AttemptCount,
		"error", cause)
	if p.journal != nil {
		p.journal.Record(sctx, &model.JournalEntry{
			EventType: model.EventMessageDeadLetter,
			Subject:   msg.ID,
			Details: map[string]interface{}{
				"metric_id":     metricID,
				"attempt_count": msg.AttemptCount,
				"last_error":    msg.LastError,
			},
			CreatedAt: now,
		})
	}
	return OutcomeDeadLettered
}

// ListDeadLetters returns up to limit dead-lettered messages.
func (p *AsyncProcessor) ListDeadLetters(ctx context.Context, limit int) ([]*model.QueueMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return p.queue.ListDeadLetters(ctx, limit)
}

// Redrive moves up to limit dead letters back onto the main queue with fresh attempts.
func (p *AsyncProcessor) Redrive(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	n, err := p.queue.Redrive(ctx, limit)
	if err != nil {
		return n, err
	}
	p.log.Audit("dead letters redriven", "count", n)
	if p.journal != nil && n > 0 {
		p.journal.Record(ctx, &model.JournalEntry{
			EventType: model.EventDeadLettersRedrive,
			Subject:   "queue",
			Details:   map[string]interface{}{"count": n},
			CreatedAt: p.now().UTC(),
		})
	}
	return n, nil
}

// Depth reports the pending and dead-letter queue sizes.
func (p *AsyncProcessor) Depth(ctx context.Context) (model.QueueDepth, error) {
	return p.queue.Depth(ctx)
}
