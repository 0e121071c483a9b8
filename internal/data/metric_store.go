package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PulseGuard/internal/model"
	apperrors "PulseGuard/pkg/errors"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetricRecordPO is the GORM model for the metric_records table.
type MetricRecordPO struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	MetricID  string    `gorm:"column:metric_id;type:varchar(64);not null;uniqueIndex"`
	EntityID  string    `gorm:"column:entity_id;type:varchar(128);not null;index:idx_entity_ts,priority:1"`
	Timestamp time.Time `gorm:"column:timestamp;type:datetime(6);not null;index:idx_entity_ts,priority:2"`
	Payload   string    `gorm:"column:payload;type:json;not null"`
	Source    string    `gorm:"column:source;type:varchar(16);not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (MetricRecordPO) TableName() string {
	return "metric_records"
}

// MetricStore implements biz.MetricRepo on MySQL.
// Errors are *errors.StoreError so the breaker can tell throttling from bad requests.
type MetricStore struct {
	db  *gorm.DB
	log *pkglog.LogHelper
}

// NewMetricStore creates the time-series store.
func NewMetricStore(d *Data, logger log.Logger) *MetricStore {
	return &MetricStore{db: d.db, log: pkglog.NewLogHelper(logger)}
}

// Put inserts record. Writing a metric_id that already exists is a no-op.
func (s *MetricStore) Put(ctx context.Context, record *model.MetricRecord) error {
	po, err := toMetricPO(record)
	if err != nil {
		return apperrors.NewStoreError(apperrors.KindInvalidRequest, "put", err)
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "metric_id"}}, DoNothing: true}).
		Create(po).Error; err != nil {
		return apperrors.ToStoreError("put", err)
	}
	s.log.Database("metric record stored", "metric_id", record.MetricID, "entity_id", record.EntityID)
	return nil
}

// Query returns records of one entity (or all entities when EntityID is empty) with
// From <= timestamp <= To, oldest first.
func (s *MetricStore) Query(ctx context.Context, q model.MetricQuery) ([]*model.MetricRecord, error) {
	tx := s.db.WithContext(ctx).Where("timestamp BETWEEN ? AND ?", q.From, q.To)
	if q.EntityID != "" {
		tx = tx.Where("entity_id = ?", q.EntityID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []MetricRecordPO
	if err := tx.Order("timestamp ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, apperrors.ToStoreError("query", err)
	}

	records := make([]*model.MetricRecord, 0, len(rows))
	for i := range rows {
		r, err := fromMetricPO(&rows[i])
		if err != nil {
			return nil, apperrors.NewStoreError(apperrors.KindUnavailable, "query", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// Ping checks the database connection.
func (s *MetricStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.NewStoreError(apperrors.KindUnavailable, "ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.ToStoreError("ping", err)
	}
	return nil
}

func toMetricPO(r *model.MetricRecord) (*MetricRecordPO, error) {
	if r == nil {
		return nil, fmt.Errorf("record is nil")
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &MetricRecordPO{
		MetricID:  r.MetricID,
		EntityID:  r.EntityID,
		Timestamp: r.Timestamp.UTC(),
		Payload:   string(payload),
		Source:    string(r.Source),
	}, nil
}

func fromMetricPO(po *MetricRecordPO) (*model.MetricRecord, error) {
	var payload map[string]float64
	if err := json.Unmarshal([]byte(po.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", po.MetricID, err)
	}
	return &model.MetricRecord{
		EntityID:  po.EntityID,
		Timestamp: po.Timestamp.UTC(),
		MetricID:  po.MetricID,
		Payload:   payload,
		Source:    model.Source(po.Source),
	}, nil
}
