package biz

import (
	"fmt"
	"strconv"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons returned to API clients.
const (
	ReasonValidation     = "VALIDATION_ERROR"
	ReasonConstraint     = "QUERY_CONSTRAINT"
	ReasonRateLimit      = "RATE_LIMIT_EXCEEDED"
	ReasonDependency     = "DEPENDENCY_ERROR"
	ReasonCircuitOpen    = "CIRCUIT_OPEN"
	ReasonQueueExhausted = "QUEUE_EXHAUSTED"
	ReasonNotFound       = "NOT_FOUND"
)

// Metadata keys carried by CircuitOpenError.
const (
	MetadataRoute      = "route"
	MetadataRetryAfter = "retry_after"
)

// NewValidationError rejects malformed input. It never trips a breaker.
func NewValidationError(format string, args ...interface{}) *errors.Error {
	return errors.New(400, ReasonValidation, fmt.Sprintf(format, args...))
}

// NewConstraintError rejects a query whose bounds are not allowed.
func NewConstraintError(format string, args ...interface{}) *errors.Error {
	return errors.New(400, ReasonConstraint, fmt.Sprintf(format, args...))
}

// NewDependencyError reports a failed call to a downstream dependency.
func NewDependencyError(dependency string, cause error) *errors.Error {
	return errors.New(503, ReasonDependency, fmt.Sprintf("%s unavailable", dependency)).WithCause(cause)
}

// NewCircuitOpenError rejects a call without reaching the dependency.
func NewCircuitOpenError(route string, retryAfterSeconds int) *errors.Error {
	return errors.New(503, ReasonCircuitOpen, fmt.Sprintf("circuit %s is open", route)).
		WithMetadata(map[string]string{
			MetadataRoute:      route,
			MetadataRetryAfter: strconv.Itoa(retryAfterSeconds),
		})
}

// NewQueueExhaustedError is recorded on messages moved to the dead-letter list.
func NewQueueExhaustedError(attempts int, cause error) *errors.Error {
	return errors.New(500, ReasonQueueExhausted, fmt.Sprintf("gave up after %d attempts", attempts)).WithCause(cause)
}

// NewNotFoundError reports an unknown resource on the admin API.
func NewNotFoundError(format string, args ...interface{}) *errors.Error {
	return errors.New(404, ReasonNotFound, fmt.Sprintf(format, args...))
}

func hasReason(err error, reason string) bool {
	if err == nil {
		return false
	}
	var e *errors.Error
	return errors.As(err, &e) && e.Reason == reason
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool { return hasReason(err, ReasonValidation) }

// IsConstraintError reports whether err is a ConstraintError.
func IsConstraintError(err error) bool { return hasReason(err, ReasonConstraint) }

// IsCircuitOpenError reports whether err is a CircuitOpenError.
func IsCircuitOpenError(err error) bool { return hasReason(err, ReasonCircuitOpen) }

// IsDependencyError reports whether err is a DependencyError.
func IsDependencyError(err error) bool { return hasReason(err, ReasonDependency) }

// RetryAfterSeconds extracts the retry hint of a CircuitOpenError.
func RetryAfterSeconds(err error) (int, bool) {
	var e *errors.Error
	if !errors.As(err, &e) || e.Reason != ReasonCircuitOpen {
		return 0, false
	}
	n, convErr := strconv.Atoi(e.Metadata[MetadataRetryAfter])
	return n, convErr == nil
}
