package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PulseGuard/internal/biz"
	"PulseGuard/internal/conf"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	defaultCheckInterval = 5 * time.Minute
	warmTimeout          = 30 * time.Second
)

// WorkerServer runs the async processor and the scheduled health monitor as a kratos
// transport.Server, so both start and stop with the HTTP server.
type WorkerServer struct {
	processor *biz.AsyncProcessor
	monitor   *biz.HealthMonitor
	interval  time.Duration
	log       *pkglog.LogHelper

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerServer creates the background worker.
func NewWorkerServer(processor *biz.AsyncProcessor, monitor *biz.HealthMonitor, c *conf.Resilience,
	logger log.Logger) *WorkerServer {
	interval := defaultCheckInterval
	if c != nil && c.Health != nil && c.Health.CheckInterval > 0 {
		interval = c.Health.CheckInterval
	}
	return &WorkerServer{
		processor: processor,
		monitor:   monitor,
		interval:  interval,
		log:       pkglog.NewLogHelper(logger),
	}
}

// Start restores the health window, schedules the monitor and blocks running the processor.
func (w *WorkerServer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	warmCtx, warmCancel := context.WithTimeout(runCtx, warmTimeout)
	if err := w.monitor.Warm(warmCtx); err != nil {
		w.log.Warnw("msg", "health history not restored, starting with an empty window", "error", err)
	}
	warmCancel()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(newCronLogger(w.log))))
	id, err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), func() { w.runHealthCycle(runCtx) })
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule health monitor: %w", err)
	}
	done := make(chan struct{})
	w.mu.Lock()
	w.cron, w.cancel, w.done = c, cancel, done
	w.mu.Unlock()

	c.Start()
	go c.Entry(id).WrappedJob.Run()

	w.log.Scheduler("health monitor scheduled", "interval", w.interval.String())
	w.log.Startup("background worker started")

	defer close(done)
	if err := w.processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop cancels the processor, waits for in-flight work and stops the scheduler.
func (w *WorkerServer) Stop(ctx context.Context) error {
	w.mu.Lock()
	c, cancel, done := w.cron, w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	w.log.Scheduler("worker stopped")
	return nil
}

func (w *WorkerServer) runHealthCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	snapshot, err := w.monitor.RunCycle(cycleCtx)
	switch {
	case errors.Is(err, biz.ErrCycleInProgress):
		w.log.Debugw("msg", "health cycle skipped, previous cycle still running")
	case err != nil:
		w.log.Errorw("msg", "health cycle failed", "error", err)
	default:
		w.log.Health("health cycle completed",
			"verdict", string(snapshot.Verdict),
			"availability", snapshot.RollingAvailability,
			"error_budget_remaining", snapshot.ErrorBudgetRemaining)
	}
}

// cronLogger adapts the log helper to cron.Logger.
type cronLogger struct {
	log *pkglog.LogHelper
}

func newCronLogger(l *pkglog.LogHelper) cron.Logger {
	return &cronLogger{log: l}
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(append([]interface{}{"msg", msg, "type", "scheduler"}, keysAndValues...)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(append([]interface{}{"msg", msg, "type", "scheduler", "error", err}, keysAndValues...)...)
}
