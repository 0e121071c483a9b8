package middleware

import (
	"context"
	nethttp "net/http"
	"strings"
	"time"

	"PulseGuard/internal/metrics"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// RequestIDHeader carries the caller's request id, echoed back on the response.
const RequestIDHeader = "X-Request-ID"

// Logging returns a middleware that assigns a request id, logs every request with its
// status and duration and records it in the request metrics.
//
// Example output:
//
//	🟢 POST /metrics - 201 (12ms) | RequestID: 3f9a1c0d2b7e
//	🐌 [3f9a1c0d2b7e] slow request GET /metrics took 5230ms (threshold 3000ms)
func Logging(logger *pkglog.LogHelper, m *metrics.Metrics) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    = "UNKNOWN"
				path      string
				route     string
				operation string
				ip        string
				userAgent string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				operation = tr.Operation()
				path = operation

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}
					route = ht.PathTemplate()
					ip = extractClientIP(httpReq)
					userAgent = httpReq.Header.Get("User-Agent")
					requestID = httpReq.Header.Get(RequestIDHeader)
				}
				if requestID == "" {
					requestID = pkglog.GenerateRequestID()
				}
				tr.ReplyHeader().Set(RequestIDHeader, requestID)
			}
			if route == "" {
				route = operation
			}

			ctx = pkglog.WithRequestContext(ctx, requestID, operation)

			reply, err := handler(ctx, req)

			elapsed := time.Since(startTime)
			status := extractHTTPStatus(err)
			m.ObserveRequest(method, route, status, elapsed)
			logger.RequestWithContext(ctx, method, path, status, elapsed.Milliseconds(),
				"operation", operation,
				"ip", ip,
				"user_agent", userAgent,
			)

			return reply, err
		}
	}
}

// extractClientIP prefers X-Real-IP, then the first X-Forwarded-For hop, then RemoteAddr.
func extractClientIP(req *nethttp.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	return req.RemoteAddr
}

// extractHTTPStatus maps a handler error to the status the error encoder will write.
// Successful replies report 200 even when the handler answers 201.
func extractHTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	return int(errors.FromError(err).Code)
}
