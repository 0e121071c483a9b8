package biz

import (
	"context"
	"math"

	"PulseGuard/internal/model"
)

// SummarySuffix is appended to a record's MetricID to form its summary record's id.
const SummarySuffix = "-summary"

// Enricher derives additional records from a stored metric record.
type Enricher interface {
	Enrich(ctx context.Context, record *model.MetricRecord) ([]*model.MetricRecord, error)
}

// SummaryEnricher derives one CUSTOM record holding count, sum, min, max and mean of the
// payload values. The derived id is stable, so reprocessing rewrites the same record.
type SummaryEnricher struct{}

// NewSummaryEnricher creates the default enricher.
func NewSummaryEnricher() *SummaryEnricher {
	return &SummaryEnricher{}
}

// Enrich implements Enricher.
func (SummaryEnricher) Enrich(_ context.Context, record *model.MetricRecord) ([]*model.MetricRecord, error) {
	if record == nil || len(record.Payload) == 0 {
		return nil, NewValidationError("record has no payload to summarize")
	}

	sum, minV, maxV := 0.0, math.Inf(1), math.Inf(-1)
	for _, v := range record.Payload {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	count := float64(len(record.Payload))

	return []*model.MetricRecord{{
		EntityID:  record.EntityID,
		Timestamp: record.Timestamp,
		MetricID:  record.MetricID + SummarySuffix,
		Payload: map[string]float64{
			"count": count,
			"sum":   sum,
			"min":   minV,
			"max":   maxV,
			"mean":  sum / count,
		},
		Source: model.SourceCustom,
	}}, nil
}
