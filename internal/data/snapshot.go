package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PulseGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// HealthSnapshotPO is the GORM model for the health_snapshots table
type HealthSnapshotPO struct {
	ID                   int64     `gorm:"primaryKey;column:id"`
	Timestamp            time.Time `gorm:"column:timestamp;type:datetime(6);not null;index"`
	Verdict              string    `gorm:"column:verdict;type:varchar(16);not null"`
	RollingAvailability  float64   `gorm:"column:rolling_availability;not null"`
	ErrorBudgetRemaining float64   `gorm:"column:error_budget_remaining;not null"`
	DependencyResults    string    `gorm:"column:dependency_results;type:json"`
	LatencyP95           string    `gorm:"column:latency_p95_ms;type:json"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (HealthSnapshotPO) TableName() string {
	return "health_snapshots"
}

// SnapshotRepo implements biz.SnapshotRepo on MySQL. Snapshots are append-only.
type SnapshotRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewSnapshotRepo creates the health snapshot repository.
func NewSnapshotRepo(d *Data, logger log.Logger) *SnapshotRepo {
	return &SnapshotRepo{db: d.db, logger: log.NewHelper(logger)}
}

// Save appends one snapshot.
func (r *SnapshotRepo) Save(ctx context.Context, snapshot *model.HealthSnapshot) error {
	po, err := toSnapshotPO(snapshot)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(po).Error; err != nil {
		return fmt.Errorf("failed to save health snapshot: %w", err)
	}
	return nil
}

// ListSince returns at most limit of the newest snapshots taken at or after since.
func (r *SnapshotRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.HealthSnapshot, error) {
	var rows []HealthSnapshotPO
	if err := r.db.WithContext(ctx).
		Where("timestamp >= ?", since.UTC()).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list health snapshots: %w", err)
	}

	out := make([]*model.HealthSnapshot, 0, len(rows))
	for i := range rows {
		s, err := fromSnapshotPO(&rows[i])
		if err != nil {
			r.logger.Warnw("msg", "skipping undecodable health snapshot", "id", rows[i].ID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func toSnapshotPO(s *model.HealthSnapshot) (*HealthSnapshotPO, error) {
	results, err := json.Marshal(s.DependencyResults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependency results: %w", err)
	}
	latency, err := json.Marshal(s.LatencyP95Ms)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal latency: %w", err)
	}
	return &HealthSnapshotPO{
		Timestamp:            s.Timestamp.UTC(),
		Verdict:              string(s.Verdict),
		RollingAvailability:  s.RollingAvailability,
		ErrorBudgetRemaining: s.ErrorBudgetRemaining,
		DependencyResults:    string(results),
		LatencyP95:           string(latency),
	}, nil
}

func fromSnapshotPO(po *HealthSnapshotPO) (*model.HealthSnapshot, error) {
	s := &model.HealthSnapshot{
		Timestamp:            po.Timestamp.UTC(),
		Verdict:              model.Verdict(po.Verdict),
		RollingAvailability:  po.RollingAvailability,
		ErrorBudgetRemaining: po.ErrorBudgetRemaining,
	}
	if po.DependencyResults != "" {
		if err := json.Unmarshal([]byte(po.DependencyResults), &s.DependencyResults); err != nil {
			return nil, err
		}
	}
	if po.LatencyP95 != "" && po.LatencyP95 != "null" {
		if err := json.Unmarshal([]byte(po.LatencyP95), &s.LatencyP95Ms); err != nil {
			return nil, err
		}
	}
	return s, nil
}
