package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestContextKey contextKey = "pulseguard_request_context"

// RequestContext carries per-request tracing data through the call chain.
type RequestContext struct {
	RequestID string
	Operation string
	EntityID  string
	StartTime time.Time
}

// GenerateRequestID returns a 12 character hex request id.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// WithRequestContext stores a new RequestContext in ctx.
func WithRequestContext(ctx context.Context, requestID, operation string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		Operation: operation,
		StartTime: time.Now(),
	})
}

// GetRequestContext returns the RequestContext stored in ctx, or an "unknown" placeholder.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID returns the request id stored in ctx.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// SetEntityID records the entity a request operates on.
func SetEntityID(ctx context.Context, entityID string) {
	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		reqCtx.EntityID = entityID
	}
}

// GetElapsedTime returns the milliseconds since the request started.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
