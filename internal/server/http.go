package server

import (
	nethttp "net/http"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/metrics"
	"PulseGuard/internal/server/middleware"
	"PulseGuard/internal/service"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/selector"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// MetricsPath serves the Prometheus scrape endpoint.
const MetricsPath = "/debug/metrics"

// retryAfterMetadata is the error metadata key copied into the Retry-After header.
const retryAfterMetadata = "retry_after"

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, admin *conf.Admin, metricService *service.MetricService,
	adminService *service.AdminService, m *metrics.Metrics, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var adminKey string
	if admin != nil {
		adminKey = admin.APIKey
	}

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper, m),
			selector.Server(middleware.AdminAuth(adminKey, logHelper)).
				Prefix(service.AdminOperationPrefix).
				Build(),
		),
		http.ErrorEncoder(encodeError),
	}
	if c != nil && c.HTTP != nil {
		if c.HTTP.Network != "" {
			opts = append(opts, http.Network(c.HTTP.Network))
		}
		if c.HTTP.Addr != "" {
			opts = append(opts, http.Address(c.HTTP.Addr))
		}
		if c.HTTP.Timeout > 0 {
			opts = append(opts, http.Timeout(c.HTTP.Timeout))
		}
	}
	srv := http.NewServer(opts...)

	service.RegisterMetricServiceHTTPServer(srv, metricService)
	service.RegisterAdminServiceHTTPServer(srv, adminService)
	srv.Handle(MetricsPath, m.Handler())

	return srv
}

// encodeError adds Retry-After to throttled and circuit-open responses, then writes the
// standard kratos error body.
func encodeError(w nethttp.ResponseWriter, r *nethttp.Request, err error) {
	if se := errors.FromError(err); se != nil {
		if retryAfter := se.Metadata[retryAfterMetadata]; retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
	}
	http.DefaultErrorEncoder(w, r, err)
}
