package service

import (
	"context"
	nethttp "net/http"

	"PulseGuard/internal/biz"

	"github.com/go-kratos/kratos/v2/transport/http"
)

// Operation names, used by the logging middleware and the admin selector.
const (
	OperationSubmitMetric       = "/pulseguard.v1.MetricService/SubmitMetric"
	OperationQueryMetrics       = "/pulseguard.v1.MetricService/QueryMetrics"
	OperationHealth             = "/pulseguard.v1.MetricService/Health"
	OperationResetCircuit       = "/pulseguard.v1.AdminService/ResetCircuit"
	OperationListDeadLetters    = "/pulseguard.v1.AdminService/ListDeadLetters"
	OperationRedriveDeadLetters = "/pulseguard.v1.AdminService/RedriveDeadLetters"
	OperationQueueDepth         = "/pulseguard.v1.AdminService/QueueDepth"
	OperationHealthHistory      = "/pulseguard.v1.AdminService/HealthHistory"

	// AdminOperationPrefix selects every admin operation.
	AdminOperationPrefix = "/pulseguard.v1.AdminService/"
)

// RegisterMetricServiceHTTPServer mounts the public metric routes.
func RegisterMetricServiceHTTPServer(s *http.Server, srv *MetricService) {
	r := s.Route("/")
	r.POST("/metrics", bodyHandler(OperationSubmitMetric, nethttp.StatusCreated, srv.SubmitMetric))
	r.GET("/metrics", queryHandler(OperationQueryMetrics, srv.QueryMetrics))
	r.GET("/health", queryHandler(OperationHealth, srv.Health))
}

// RegisterAdminServiceHTTPServer mounts the operator routes.
func RegisterAdminServiceHTTPServer(s *http.Server, srv *AdminService) {
	r := s.Route("/")
	r.POST("/admin/circuits/{route}/reset", varsHandler(OperationResetCircuit, srv.ResetCircuit))
	r.GET("/admin/deadletters", queryHandler(OperationListDeadLetters, srv.ListDeadLetters))
	r.POST("/admin/deadletters/redrive", queryHandler(OperationRedriveDeadLetters, srv.RedriveDeadLetters))
	r.GET("/admin/queue", queryHandler(OperationQueueDepth, srv.QueueDepth))
	r.GET("/admin/health/history", queryHandler(OperationHealthHistory, srv.HealthHistory))
}

// bodyHandler decodes the request body into Req.
func bodyHandler[Req, Reply any](operation string, code int, call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.Bind(&in); err != nil {
			return biz.NewValidationError("malformed request body: %v", err)
		}
		return invoke(ctx, operation, code, &in, call)
	}
}

// queryHandler decodes the query string into Req.
func queryHandler[Req, Reply any](operation string, call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.BindQuery(&in); err != nil {
			return biz.NewValidationError("malformed query string: %v", err)
		}
		return invoke(ctx, operation, nethttp.StatusOK, &in, call)
	}
}

// varsHandler decodes the path variables into Req.
func varsHandler[Req, Reply any](operation string, call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.BindVars(&in); err != nil {
			return biz.NewValidationError("malformed path: %v", err)
		}
		return invoke(ctx, operation, nethttp.StatusOK, &in, call)
	}
}

func invoke[Req, Reply any](ctx http.Context, operation string, code int, in *Req,
	call func(context.Context, *Req) (*Reply, error)) error {
	http.SetOperation(ctx, operation)
	h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(ctx, req.(*Req))
	})
	out, err := h(ctx, in)
	if err != nil {
		return err
	}
	return ctx.Result(code, out)
}
