package biz

import (
	"context"
	"sync"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/model"

	"github.com/stretchr/testify/mock"
)

// MockMetricRepo is a mock implementation of MetricRepo for testing.
type MockMetricRepo struct {
	mock.Mock
}

func (m *MockMetricRepo) Put(ctx context.Context, record *model.MetricRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockMetricRepo) Query(ctx context.Context, q model.MetricQuery) ([]*model.MetricRecord, error) {
	args := m.Called(ctx, q)
	records, _ := args.Get(0).([]*model.MetricRecord)
	return records, args.Error(1)
}

func (m *MockMetricRepo) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockQueueRepo is a mock implementation of QueueRepo for testing.
type MockQueueRepo struct {
	mock.Mock
}

func (m *MockQueueRepo) Enqueue(ctx context.Context, msg *model.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockQueueRepo) Receive(ctx context.Context, n int) ([]*model.QueueMessage, error) {
	args := m.Called(ctx, n)
	msgs, _ := args.Get(0).([]*model.QueueMessage)
	return msgs, args.Error(1)
}

func (m *MockQueueRepo) Ack(ctx context.Context, msg *model.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockQueueRepo) Release(ctx context.Context, msg *model.QueueMessage, delay time.Duration) error {
	args := m.Called(ctx, msg, delay)
	return args.Error(0)
}

func (m *MockQueueRepo) DeadLetter(ctx context.Context, msg *model.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockQueueRepo) ListDeadLetters(ctx context.Context, limit int) ([]*model.QueueMessage, error) {
	args := m.Called(ctx, limit)
	msgs, _ := args.Get(0).([]*model.QueueMessage)
	return msgs, args.Error(1)
}

func (m *MockQueueRepo) Redrive(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockQueueRepo) Depth(ctx context.Context) (model.QueueDepth, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.QueueDepth), args.Error(1)
}

// MockSnapshotRepo is a mock implementation of SnapshotRepo for testing.
type MockSnapshotRepo struct {
	mock.Mock
}

func (m *MockSnapshotRepo) Save(ctx context.Context, snapshot *model.HealthSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockSnapshotRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.HealthSnapshot, error) {
	args := m.Called(ctx, since, limit)
	snapshots, _ := args.Get(0).([]*model.HealthSnapshot)
	return snapshots, args.Error(1)
}

// MockAlertSink is a mock implementation of AlertSink for testing.
type MockAlertSink struct {
	mock.Mock
}

func (m *MockAlertSink) Notify(ctx context.Context, severity model.Severity, message string, details map[string]interface{}) error {
	args := m.Called(ctx, severity, message, details)
	return args.Error(0)
}

// recordingJournal keeps every entry in memory.
type recordingJournal struct {
	mu      sync.Mutex
	entries []*model.JournalEntry
}

func (j *recordingJournal) Record(_ context.Context, entry *model.JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.EventType)
	}
	return out
}

// recordingListener keeps every transition in memory.
type recordingListener struct {
	mu     sync.Mutex
	events []*model.CircuitTransitionEvent
}

func (l *recordingListener) OnTransition(_ context.Context, event *model.CircuitTransitionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, string(e.From)+"->"+string(e.To))
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testResilienceConf() *conf.Resilience {
	return &conf.Resilience{
		Breaker: &conf.Breaker{FailureThreshold: 5, OpenTimeout: 60 * time.Second},
		Queue: &conf.Queue{
			MaxAttempts:        3,
			BackoffBase:        time.Second,
			MaxBackoff:         5 * time.Minute,
			BatchSize:          10,
			Workers:            2,
			PollInterval:       10 * time.Millisecond,
			ProcessedCacheSize: 100,
		},
		Health: &conf.Health{
			SLOTargetAvailability: 0.999,
			CheckInterval:         300 * time.Second,
			ProbeTimeout:          time.Second,
			Window:                30 * 24 * time.Hour,
		},
		Ingest: &conf.Ingest{
			DefaultQueryRange: 24 * time.Hour,
			MaxQueryRange:     31 * 24 * time.Hour,
			MaxQueryLimit:     1000,
		},
	}
}
