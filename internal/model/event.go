package model

import "time"

// BreakerState is the state of one circuit breaker route.
type BreakerState string

// Circuit breaker states
const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Gauge returns the numeric value exported for the state (0 closed, 1 half-open, 2 open).
func (s BreakerState) Gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// CircuitState is a point-in-time copy of one route's breaker.
type CircuitState struct {
	Route                 string       `json:"route"`
	State                 BreakerState `json:"state"`
	ConsecutiveFailures   int          `json:"consecutive_failures"`
	LastFailureAt         *time.Time   `json:"last_failure_at,omitempty"`
	HalfOpenProbeInFlight bool         `json:"half_open_probe_in_flight"`
}

// CircuitTransitionEvent is published whenever a route changes state.
type CircuitTransitionEvent struct {
	Route string
	From  BreakerState
	To    BreakerState
	At    time.Time
	// Manual is true when the transition came from an admin reset.
	Manual bool
	// State is the route right after the transition.
	State CircuitState
}
