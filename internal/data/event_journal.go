package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

const journalBufferSize = 1000

// ResilienceEvent is the GORM model for the resilience_events table
type ResilienceEvent struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	EventType string    `gorm:"column:event_type;type:varchar(50);not null;index"`
	Subject   string    `gorm:"column:subject;type:varchar(128);not null"`
	Details   string    `gorm:"column:details;type:json"`
	CreatedAt time.Time `gorm:"column:created_at;type:datetime(6);not null;index"`
}

// TableName specifies the table name for GORM
func (ResilienceEvent) TableName() string {
	return "resilience_events"
}

// EventJournal implements biz.EventJournal. Entries are queued on a buffered channel and
// written by one background goroutine; a full buffer drops the entry with a warning.
type EventJournal struct {
	write   func(ctx context.Context, event *ResilienceEvent) error
	logChan chan *ResilienceEvent
	done    chan struct{}
	once    sync.Once
	logger  *log.Helper
}

// NewEventJournal creates the journal and starts its writer. The cleanup function flushes
// queued entries.
func NewEventJournal(d *Data, logger log.Logger) (*EventJournal, func()) {
	db := d.db
	j := newEventJournal(func(ctx context.Context, event *ResilienceEvent) error {
		return db.WithContext(ctx).Create(event).Error
	}, logger)
	return j, j.Close
}

func newEventJournal(write func(ctx context.Context, event *ResilienceEvent) error, logger log.Logger) *EventJournal {
	j := &EventJournal{
		write:   write,
		logChan: make(chan *ResilienceEvent, journalBufferSize),
		done:    make(chan struct{}),
		logger:  log.NewHelper(logger),
	}
	go j.start()
	return j
}

func (j *EventJournal) start() {
	defer close(j.done)
	for event := range j.logChan {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.write(ctx, event); err != nil {
			j.logger.Errorw("msg", "failed to write resilience event",
				"event_type", event.EventType,
				"subject", event.Subject,
				"error", err)
		}
		cancel()
	}
}

// Record queues entry without blocking.
func (j *EventJournal) Record(_ context.Context, entry *model.JournalEntry) {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		j.logger.Errorw("msg", "failed to marshal resilience event details", "error", err)
		return
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	event := &ResilienceEvent{
		EventType: entry.EventType,
		Subject:   entry.Subject,
		Details:   string(details),
		CreatedAt: createdAt.UTC(),
	}

	defer func() {
		// Record after Close: the channel is closed.
		if recover() != nil {
			j.logger.Warnw("msg", "event journal closed, dropping event", "event_type", event.EventType)
		}
	}()
	select {
	case j.logChan <- event:
	default:
		j.logger.Warnw("msg", "event journal channel full, dropping event",
			"event_type", event.EventType,
			"subject", event.Subject)
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (j *EventJournal) Close() {
	j.once.Do(func() {
		close(j.logChan)
		<-j.done
	})
}
