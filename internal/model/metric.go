package model

import "time"

// Source identifies where a metric record came from.
type Source string

// Metric sources
const (
	SourceAPI    Source = "API"
	SourceFile   Source = "FILE"
	SourceCustom Source = "CUSTOM"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceFile, SourceCustom:
		return true
	}
	return false
}

// MetricRecord is one immutable metric sample.
// (EntityID, Timestamp) is not unique; MetricID disambiguates.
type MetricRecord struct {
	EntityID  string             `json:"entity_id"`
	Timestamp time.Time          `json:"timestamp"`
	MetricID  string             `json:"metric_id"`
	Payload   map[string]float64 `json:"payload"`
	Source    Source             `json:"source"`
}

// MetricQuery selects records for one entity (or all entities) in [From, To].
type MetricQuery struct {
	EntityID string
	From     time.Time
	To       time.Time
	Limit    int
}

// QueueMessage is the envelope carried by the durable queue.
type QueueMessage struct {
	ID           string        `json:"id"`
	Record       *MetricRecord `json:"record"`
	AttemptCount int           `json:"attempt_count"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	LastError    string        `json:"last_error,omitempty"`
	// DeadLetteredAt is set when the message is moved to the dead-letter list.
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
	// ReceiptHandle identifies the claim that returned the message. It is not persisted.
	ReceiptHandle string `json:"-"`
}

// QueueDepth reports queue sizes.
type QueueDepth struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}
