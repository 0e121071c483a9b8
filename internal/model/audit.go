package model

import "time"

// Resilience event type constants recorded in the event journal
const (
	EventCircuitOpened      = "CIRCUIT_OPENED"
	EventCircuitHalfOpen    = "CIRCUIT_HALF_OPEN"
	EventCircuitClosed      = "CIRCUIT_CLOSED"
	EventCircuitReset       = "CIRCUIT_RESET"
	EventAlertRaised        = "ALERT_RAISED"
	EventMessageDeadLetter  = "MESSAGE_DEAD_LETTERED"
	EventDeadLettersRedrive = "DEAD_LETTERS_REDRIVEN"
)

// JournalEntry is one resilience event.
type JournalEntry struct {
	EventType string
	Subject   string
	Details   map[string]interface{}
	CreatedAt time.Time
}
