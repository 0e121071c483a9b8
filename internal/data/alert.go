package data

import (
	"context"

	"PulseGuard/internal/model"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// LogAlertSink implements biz.AlertSink by writing alerts to the structured log.
// Critical alerts are logged at error level so log-based paging picks them up.
type LogAlertSink struct {
	logger *pkglog.LogHelper
}

// NewLogAlertSink creates the log alert sink.
func NewLogAlertSink(logger log.Logger) *LogAlertSink {
	return &LogAlertSink{logger: pkglog.NewLogHelper(logger)}
}

// Notify logs one alert. It never fails.
func (s *LogAlertSink) Notify(_ context.Context, severity model.Severity, message string, details map[string]interface{}) error {
	kvs := []interface{}{"severity", string(severity)}
	for k, v := range details {
		kvs = append(kvs, k, v)
	}
	switch severity {
	case model.SeverityCritical:
		s.logger.Errorw(append([]interface{}{"msg", message, "type", "alert"}, kvs...)...)
	case model.SeverityInfo:
		s.logger.Infow(append([]interface{}{"msg", message, "type", "alert"}, kvs...)...)
	default:
		s.logger.Alert(message, kvs...)
	}
	return nil
}
