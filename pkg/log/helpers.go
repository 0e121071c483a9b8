package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// SlowRequestThresholdMs is the duration above which a request is also logged as slow.
const SlowRequestThresholdMs int64 = 1000

// LogHelper extends log.Helper with category methods. Each method adds a "type"
// field, which the console encoder turns into an emoji.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates a LogHelper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{Helper: log.NewHelper(logger)}
}

func withType(msg, logType string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Ingest logs metric submissions.
func (h *LogHelper) Ingest(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "ingest", kvs)...)
}

// Query logs metric queries.
func (h *LogHelper) Query(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "query", kvs)...)
}

// Queue logs queue traffic.
func (h *LogHelper) Queue(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "queue", kvs)...)
}

// DeadLetter logs messages moved to the dead-letter list.
func (h *LogHelper) DeadLetter(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "dead_letter", kvs)...)
}

// Circuit logs breaker transitions.
func (h *LogHelper) Circuit(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "circuit", kvs)...)
}

// Health logs monitor cycles.
func (h *LogHelper) Health(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "health", kvs)...)
}

// Alert logs alert notifications.
func (h *LogHelper) Alert(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "alert", kvs)...)
}

// RateLimit logs rejected submissions.
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "rate_limit", kvs)...)
}

// Database logs store operations.
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "database", kvs)...)
}

// Redis logs Redis operations.
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(withType(msg, "redis", kvs)...)
}

// Scheduler logs scheduled jobs.
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "scheduler", kvs)...)
}

// Startup logs service startup.
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "startup", kvs)...)
}

// Audit logs administrative actions.
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(withType(msg, "audit", kvs)...)
}

// Security logs rejected admin access.
func (h *LogHelper) Security(msg string, kvs ...interface{}) {
	h.Warnw(withType(msg, "security", kvs)...)
}

// RequestWithContext logs a completed HTTP request with the request id from ctx,
// and logs it again as slow when it exceeded SlowRequestThresholdMs.
func (h *LogHelper) RequestWithContext(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, durationMs)

	all := withType(msg, "request", kvs)
	all = append(all,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	if reqCtx.EntityID != "" {
		all = append(all, "entity_id", reqCtx.EntityID)
	}
	if status >= 500 {
		h.Errorw(all...)
	} else {
		h.Infow(all...)
	}

	if durationMs > SlowRequestThresholdMs {
		h.SlowRequest(ctx, method, url, durationMs, SlowRequestThresholdMs)
	}
}

// SlowRequest logs a request that exceeded threshold milliseconds.
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("[%s] slow request %s %s took %dms (threshold %dms)",
		reqCtx.RequestID, method, url, duration, threshold)
	h.Warnw(withType(msg, "slow_request", []interface{}{
		"request_id", reqCtx.RequestID,
		"duration_ms", duration,
		"threshold_ms", threshold,
	})...)
}
