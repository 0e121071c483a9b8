package errors

import (
	"errors"
	"fmt"
)

// StoreErrorKind tells the resilience layer how to treat a store failure.
type StoreErrorKind string

const (
	// KindThrottled means the store shed load; retryable and counted by the breaker.
	KindThrottled StoreErrorKind = "THROTTLED"
	// KindUnavailable means the store could not be reached; retryable and counted.
	KindUnavailable StoreErrorKind = "UNAVAILABLE"
	// KindInvalidRequest means the request itself was rejected; never retried or counted.
	KindInvalidRequest StoreErrorKind = "INVALID_REQUEST"
)

// StoreError is returned by every TimeSeriesStore adapter.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is a dependency failure.
func (e *StoreError) Retryable() bool {
	return e.Kind != KindInvalidRequest
}

// NewStoreError builds a StoreError of the given kind.
func NewStoreError(kind StoreErrorKind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// ToStoreError maps a database error to a StoreError for operation op.
// Unknown failures are treated as Unavailable.
func ToStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}

	dbErr := ClassifyDBError(err)
	switch dbErr.Type {
	case ErrorTypeInvalidValue, ErrorTypeDuplicateKey, ErrorTypeNotFound:
		return NewStoreError(KindInvalidRequest, op, dbErr)
	case ErrorTypeContention:
		return NewStoreError(KindThrottled, op, dbErr)
	default:
		return NewStoreError(KindUnavailable, op, dbErr)
	}
}

// AsStoreError extracts a StoreError from err.
func AsStoreError(err error) (*StoreError, bool) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}
	return nil, false
}

// IsInvalidRequest reports whether err is a StoreError of kind InvalidRequest.
func IsInvalidRequest(err error) bool {
	storeErr, ok := AsStoreError(err)
	return ok && storeErr.Kind == KindInvalidRequest
}
