package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/model"
	pkglog "PulseGuard/pkg/log"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned by RunCycle when another cycle has not finished.
var ErrCycleInProgress = errors.New("health cycle already in progress")

// Probed dependencies
const (
	DependencyGateway = "gateway"
	DependencyStore   = "store"
	DependencyQueue   = "queue"
)

const (
	maxHistory          = 10000
	defaultWindow       = 30 * 24 * time.Hour
	defaultProbeTimeout = 10 * time.Second
	sketchAccuracy      = 0.01
	persistTimeout      = 5 * time.Second
	notifyTimeout       = 10 * time.Second
	degradedBudget      = 0.5
	latencyQuantile     = 0.95
	recoveredMessage    = "service recovered"
)

// ProbeFunc checks one dependency. A nil ProbeFunc means the dependency is not configured.
type ProbeFunc func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe ProbeFunc
}

type windowEntry struct {
	at        time.Time
	successes int
	total     int
}

type pendingAlert struct {
	severity model.Severity
	message  string
	details  map[string]interface{}
}

// HealthMonitor probes dependencies on a schedule, keeps a rolling availability window,
// computes the remaining error budget and raises edge-triggered alerts.
type HealthMonitor struct {
	probes       []namedProbe
	snapshots    SnapshotRepo
	alerts       AlertSink
	journal      EventJournal
	target       float64
	window       time.Duration
	probeTimeout time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	log          *pkglog.LogHelper

	running atomic.Bool

	mu          sync.Mutex
	entries     []windowEntry
	history     []*model.HealthSnapshot
	lastVerdict model.Verdict
}

// NewHealthMonitor creates a monitor probing the gateway health view, the store and the queue.
func NewHealthMonitor(gateway *IngestionUsecase, store MetricRepo, queue QueueRepo, snapshots SnapshotRepo, alerts AlertSink,
	journal EventJournal, c *conf.Resilience, m *metrics.Metrics, logger log.Logger) *HealthMonitor {
	var gatewayProbe, storeProbe, queueProbe ProbeFunc
	if gateway != nil {
		gatewayProbe = func(ctx context.Context) error {
			h, err := gateway.Health(ctx)
			if err != nil {
				return err
			}
			if h.Status == GatewayUnhealthy {
				return fmt.Errorf("gateway unhealthy: store %s", h.Store)
			}
			return nil
		}
	}
	if store != nil {
		storeProbe = store.Ping
	}
	if queue != nil {
		queueProbe = func(ctx context.Context) error {
			_, err := queue.Depth(ctx)
			return err
		}
	}
	return newHealthMonitor([]namedProbe{
		{name: DependencyGateway, probe: gatewayProbe},
		{name: DependencyStore, probe: storeProbe},
		{name: DependencyQueue, probe: queueProbe},
	}, snapshots, alerts, journal, c.Health, m, logger)
}

func newHealthMonitor(probes []namedProbe, snapshots SnapshotRepo, alerts AlertSink, journal EventJournal,
	hc *conf.Health, m *metrics.Metrics, logger log.Logger) *HealthMonitor {
	window, probeTimeout := hc.Window, hc.ProbeTimeout
	if window <= 0 {
		window = defaultWindow
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &HealthMonitor{
		probes:       probes,
		snapshots:    snapshots,
		alerts:       alerts,
		journal:      journal,
		target:       hc.SLOTargetAvailability,
		window:       window,
		probeTimeout: probeTimeout,
		metrics:      m,
		now:          time.Now,
		log:          pkglog.NewLogHelper(logger),
		lastVerdict:  model.VerdictHealthy,
	}
}

// Warm restores the rolling window from persisted snapshots.
func (hm *HealthMonitor) Warm(ctx context.Context) error {
	if hm.snapshots == nil {
		return nil
	}
	since := hm.now().UTC().Add(-hm.window)
	snapshots, err := hm.snapshots.ListSince(ctx, since, maxHistory)
	if err != nil {
		return fmt.Errorf("failed to load health history: %w", err)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Timestamp.Before(snapshots[j].Timestamp) })

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.entries = hm.entries[:0]
	hm.history = hm.history[:0]
	for _, s := range snapshots {
		successes, total := s.Counts()
		hm.entries = append(hm.entries, windowEntry{at: s.Timestamp, successes: successes, total: total})
		hm.history = append(hm.history, s)
	}
	if n := len(snapshots); n > 0 {
		hm.lastVerdict = snapshots[n-1].Verdict
	}
	hm.log.Health("health window restored", "snapshots", len(snapshots))
	return nil
}

// RunCycle probes every dependency concurrently and records a snapshot. It returns
// ErrCycleInProgress instead of overlapping a running cycle.
func (hm *HealthMonitor) RunCycle(ctx context.Context) (*model.HealthSnapshot, error) {
	if !hm.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer hm.running.Store(false)

	results := hm.probeAll(ctx)
	snapshot, alert := hm.record(hm.now().UTC(), results)

	hm.metrics.HealthCycle(snapshot)
	hm.persist(ctx, snapshot)
	if alert != nil {
		hm.notify(ctx, alert)
	}

	hm.log.Health(fmt.Sprintf("health cycle complete: %s", snapshot.Verdict),
		"availability", snapshot.RollingAvailability,
		"error_budget_remaining", snapshot.ErrorBudgetRemaining,
		"failed", snapshot.Failed())
	return snapshot, nil
}

func (hm *HealthMonitor) probeAll(ctx context.Context) map[string]model.DependencyResult {
	results := make([]model.DependencyResult, len(hm.probes))
	var g errgroup.Group
	for i, p := range hm.probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = hm.probeOne(ctx, p.probe)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]model.DependencyResult, len(hm.probes))
	for i, p := range hm.probes {
		out[p.name] = results[i]
	}
	return out
}

func (hm *HealthMonitor) probeOne(ctx context.Context, probe ProbeFunc) model.DependencyResult {
	if probe == nil {
		return model.DependencyResult{Status: model.DependencyUnknown, Error: "not configured"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, hm.probeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- probe(probeCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}
	latency := float64(time.Since(start).Microseconds()) / 1000

	switch {
	case ctx.Err() != nil:
		return model.DependencyResult{Status: model.DependencyUnknown, LatencyMs: latency, Error: ctx.Err().Error()}
	case err != nil:
		return model.DependencyResult{Status: model.DependencyFailed, LatencyMs: latency, Error: err.Error()}
	}
	return model.DependencyResult{Status: model.DependencyOK, OK: true, LatencyMs: latency}
}

// record appends the cycle to the window and decides whether an alert is due.
func (hm *HealthMonitor) record(now time.Time, results map[string]model.DependencyResult) (*model.HealthSnapshot, *pendingAlert) {
	snapshot := &model.HealthSnapshot{Timestamp: now, DependencyResults: results}
	successes, total := snapshot.Counts()

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.entries = append(hm.entries, windowEntry{at: now, successes: successes, total: total})
	hm.pruneLocked(now)

	snapshot.RollingAvailability = hm.availabilityLocked()
	snapshot.ErrorBudgetRemaining = ErrorBudgetRemaining(snapshot.RollingAvailability, hm.target)
	snapshot.Verdict = JudgeVerdict(snapshot.ErrorBudgetRemaining, snapshot.Failed())

	hm.history = append(hm.history, snapshot)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[len(hm.history)-maxHistory:]
	}
	snapshot.LatencyP95Ms = hm.latencyP95Locked()

	prev := hm.lastVerdict
	hm.lastVerdict = snapshot.Verdict
	return snapshot, alertFor(prev, snapshot)
}

func (hm *HealthMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-hm.window)
	i := 0
	for i < len(hm.entries) && hm.entries[i].at.Before(cutoff) {
		i++
	}
	hm.entries = hm.entries[i:]

	j := 0
	for j < len(hm.history) && hm.history[j].Timestamp.Before(cutoff) {
		j++
	}
	hm.history = hm.history[j:]
}

func (hm *HealthMonitor) availabilityLocked() float64 {
	var successes, total int
	for _, e := range hm.entries {
		successes += e.successes
		total += e.total
	}
	if total == 0 {
		return 1
	}
	return float64(successes) / float64(total)
}

// latencyP95Locked computes the p95 probe latency per dependency over the window.
func (hm *HealthMonitor) latencyP95Locked() map[string]float64 {
	sketches := make(map[string]*ddsketch.DDSketch)
	for _, s := range hm.history {
		for name, r := range s.DependencyResults {
			if r.Status == model.DependencyUnknown {
				continue
			}
			sk, ok := sketches[name]
			if !ok {
				var err error
				if sk, err = ddsketch.NewDefaultDDSketch(sketchAccuracy); err != nil {
					continue
				}
				sketches[name] = sk
			}
			_ = sk.Add(r.LatencyMs)
		}
	}

	p95 := make(map[string]float64, len(sketches))
	for name, sk := range sketches {
		if v, err := sk.GetValueAtQuantile(latencyQuantile); err == nil {
			p95[name] = v
		}
	}
	return p95
}

// ErrorBudgetRemaining returns 1 - (1-availability)/(1-target), clamped to [0, 1].
// With a target of 1 any failure exhausts the budget.
func ErrorBudgetRemaining(availability, target float64) float64 {
	if target >= 1 {
		if availability >= 1 {
			return 1
		}
		return 0
	}
	remaining := 1 - (1-availability)/(1-target)
	switch {
	case remaining < 0:
		return 0
	case remaining > 1:
		return 1
	}
	return remaining
}

// JudgeVerdict judges a cycle from the remaining budget and the number of failed dependencies.
func JudgeVerdict(budgetRemaining float64, failed int) model.Verdict {
	switch {
	case budgetRemaining <= 0 || failed > 1:
		return model.VerdictCritical
	case budgetRemaining <= degradedBudget || failed == 1:
		return model.VerdictDegraded
	}
	return model.VerdictHealthy
}

// alertFor fires on escalation, and once with info severity on return to HEALTHY.
func alertFor(prev model.Verdict, s *model.HealthSnapshot) *pendingAlert {
	details := map[string]interface{}{
		"previous_verdict":       string(prev),
		"verdict":                string(s.Verdict),
		"rolling_availability":   s.RollingAvailability,
		"error_budget_remaining": s.ErrorBudgetRemaining,
		"failed_dependencies":    failedDependencies(s),
	}
	switch {
	case s.Verdict.Rank() > prev.Rank():
		severity := model.SeverityWarning
		if s.Verdict == model.VerdictCritical {
			severity = model.SeverityCritical
		}
		return &pendingAlert{
			severity: severity,
			message:  fmt.Sprintf("service health %s -> %s", prev, s.Verdict),
			details:  details,
		}
	case s.Verdict == model.VerdictHealthy && prev != model.VerdictHealthy:
		return &pendingAlert{severity: model.SeverityInfo, message: recoveredMessage, details: details}
	}
	return nil
}

func failedDependencies(s *model.HealthSnapshot) []string {
	var names []string
	for name, r := range s.DependencyResults {
		if r.Status == model.DependencyFailed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (hm *HealthMonitor) persist(ctx context.Context, snapshot *model.HealthSnapshot) {
	if hm.snapshots == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := hm.snapshots.Save(pctx, snapshot); err != nil {
		hm.log.Warnw("msg", "failed to persist health snapshot", "error", err)
	}
}

func (hm *HealthMonitor) notify(ctx context.Context, alert *pendingAlert) {
	hm.metrics.AlertSent(alert.severity)
	hm.log.Alert(alert.message, "severity", string(alert.severity))

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if hm.alerts != nil {
		if err := hm.alerts.Notify(nctx, alert.severity, alert.message, alert.details); err != nil {
			hm.log.Errorw("msg", "alert notification failed", "severity", string(alert.severity), "error", err)
		}
	}
	if hm.journal != nil {
		hm.journal.Record(nctx, &model.JournalEntry{
			EventType: model.EventAlertRaised,
			Subject:   string(alert.severity),
			Details:   alert.details,
			CreatedAt: hm.now().UTC(),
		})
	}
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (hm *HealthMonitor) Latest() *model.HealthSnapshot {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if len(hm.history) == 0 {
		return nil
	}
	return hm.history[len(hm.history)-1]
}

// History returns up to limit of the most recent snapshots, oldest first.
func (hm *HealthMonitor) History(limit int) []*model.HealthSnapshot {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	start := 0
	if limit > 0 && len(hm.history) > limit {
		start = len(hm.history) - limit
	}
	out := make([]*model.HealthSnapshot, len(hm.history)-start)
	copy(out, hm.history[start:])
	return out
}
