package model

import "time"

// DependencyStatus is the outcome of one probe.
type DependencyStatus string

// Probe outcomes
const (
	DependencyOK      DependencyStatus = "ok"
	DependencyFailed  DependencyStatus = "failed"
	DependencyUnknown DependencyStatus = "unknown"
)

// DependencyResult is the probe result for one dependency.
type DependencyResult struct {
	Status    DependencyStatus `json:"status"`
	OK        bool             `json:"ok"`
	LatencyMs float64          `json:"latency_ms"`
	Error     string           `json:"error,omitempty"`
}

// Verdict is the health monitor's overall judgement for a cycle.
type Verdict string

// Verdicts, ordered by severity
const (
	VerdictHealthy  Verdict = "HEALTHY"
	VerdictDegraded Verdict = "DEGRADED"
	VerdictCritical Verdict = "CRITICAL"
)

// Rank orders verdicts by severity.
func (v Verdict) Rank() int {
	switch v {
	case VerdictDegraded:
		return 1
	case VerdictCritical:
		return 2
	}
	return 0
}

// Severity of an alert notification.
type Severity string

// Alert severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// HealthSnapshot is the append-only record of one monitor cycle.
type HealthSnapshot struct {
	Timestamp            time.Time                   `json:"timestamp"`
	DependencyResults    map[string]DependencyResult `json:"dependency_results"`
	RollingAvailability  float64                     `json:"rolling_availability"`
	ErrorBudgetRemaining float64                     `json:"error_budget_remaining"`
	Verdict              Verdict                     `json:"verdict"`
	LatencyP95Ms         map[string]float64          `json:"latency_p95_ms,omitempty"`
}

// Counts returns the number of ok probes and the number of probes with a known result.
func (s *HealthSnapshot) Counts() (successes, total int) {
	for _, r := range s.DependencyResults {
		switch r.Status {
		case DependencyOK:
			successes++
			total++
		case DependencyFailed:
			total++
		}
	}
	return successes, total
}

// Failed returns the number of dependencies that failed in this cycle.
func (s *HealthSnapshot) Failed() int {
	successes, total := s.Counts()
	return total - successes
}
