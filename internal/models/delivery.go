package models

import "time"

// DeliveryOutcome is the result of a single webhook attempt.
type DeliveryOutcome string

const (
	OutcomeDelivered    DeliveryOutcome = "delivered"
	OutcomeFailed       DeliveryOutcome = "failed"
	OutcomeCircuitOpen  DeliveryOutcome = "circuit_open"
	OutcomeUnconfigured DeliveryOutcome = "unconfigured"
	OutcomeInvalid      DeliveryOutcome = "invalid"
)

// DeliveryStatus is what a caller reports for a notification as a whole.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// Accepted reports whether the notification was delivered or handed to the
// background retry path.
func (s DeliveryStatus) Accepted() bool {
	return s == StatusDelivered || s == StatusRetrying
}

// DeliveryRecord is one entry of the recent-deliveries log.
type DeliveryRecord struct {
	EventType   string          `json:"event_type"`
	PhoneNumber string          `json:"phone_number"`
	Outcome     DeliveryOutcome `json:"outcome"`
	Attempt     int             `json:"attempt"`
	StatusCode  int             `json:"status_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	At          time.Time       `json:"at"`
}
