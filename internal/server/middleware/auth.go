// Package middleware provides HTTP middleware for admin authentication and request logging.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// AdminKeyHeader carries the admin API key. "Authorization: Bearer <key>" is accepted too.
const AdminKeyHeader = "X-Admin-Key"

// Auth reasons
const (
	ReasonUnauthorized  = "UNAUTHORIZED"
	ReasonAdminDisabled = "ADMIN_DISABLED"
)

// AdminAuth returns a middleware that requires the configured admin API key.
// With an empty key every request is rejected, so the admin API is off by default.
func AdminAuth(apiKey string, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, errors.Unauthorized(ReasonUnauthorized, "missing transport")
			}
			if apiKey == "" {
				logger.Security("admin request rejected: admin API disabled",
					"operation", tr.Operation(),
					"request_id", pkglog.GetRequestID(ctx))
				return nil, errors.Forbidden(ReasonAdminDisabled, "admin API is disabled")
			}

			presented := extractAdminKey(tr.RequestHeader())
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				logger.Security("admin request rejected: invalid key",
					"operation", tr.Operation(),
					"admin_key", pkglog.SanitizeField("admin_key", presented),
					"request_id", pkglog.GetRequestID(ctx))
				return nil, errors.Unauthorized(ReasonUnauthorized, "invalid admin key")
			}

			logger.Audit("admin request", "operation", tr.Operation(), "request_id", pkglog.GetRequestID(ctx))
			return handler(ctx, req)
		}
	}
}

func extractAdminKey(h transport.Header) string {
	if key := strings.TrimSpace(h.Get(AdminKeyHeader)); key != "" {
		return key
	}
	if auth := h.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
