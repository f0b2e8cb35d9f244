package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType is the provider-side object a webhook notification refers to.
type EntityType string

const (
	EntityDisbursement EntityType = "disbursement"
	EntityRequestPay   EntityType = "request_pay"
	EntityVerification EntityType = "verification"
)

// ParseEntityType validates an entity string from a webhook payload.
func ParseEntityType(entity string) (EntityType, error) {
	switch EntityType(entity) {
	case EntityDisbursement, EntityRequestPay, EntityVerification:
		return EntityType(entity), nil
	default:
		return "", fmt.Errorf("unknown webhook entity %q", entity)
	}
}

// EventStatus is a provider status notification, decoded once at the boundary
// so the rest of the pipeline operates over a closed set.
type EventStatus string

const (
	EventStatusOK      EventStatus = "OK"
	EventStatusSettled EventStatus = "SETTLED"
	EventStatusFailed  EventStatus = "FAILED"
	EventStatusError   EventStatus = "ERROR"

	EventStatusVerificationCompleted EventStatus = "PAYEE_VERIFICATION_COMPLETED"
	EventStatusVerificationFailed    EventStatus = "PAYEE_VERIFICATION_FAILED"
)

// ParseEventStatus validates a status string from a webhook payload.
func ParseEventStatus(status string) (EventStatus, error) {
	switch EventStatus(status) {
	case EventStatusOK, EventStatusSettled, EventStatusFailed, EventStatusError,
		EventStatusVerificationCompleted, EventStatusVerificationFailed:
		return EventStatus(status), nil
	default:
		return "", fmt.Errorf("unknown webhook status %q", status)
	}
}

// IsVerification reports whether the status belongs to the identity
// verification domain. Verification statuses are terminal and always accepted
// regardless of the previously stored status.
func (s EventStatus) IsVerification() bool {
	return s == EventStatusVerificationCompleted || s == EventStatusVerificationFailed
}

// Webhook event processing outcomes.
const (
	EventProcessingPending   = "pending"
	EventProcessingProcessed = "processed"
	EventProcessingFailed    = "failed"
)

// WebhookEvent is the stored record of a provider notification chain. One row
// exists per external id; the row is updated in place on valid progressions
// and never deleted.
type WebhookEvent struct {
	ID               int64           `json:"-"`
	ExternalID       string          `json:"external_id"`
	EntityType       EntityType      `json:"entity_type"`
	LastStatus       EventStatus     `json:"last_status"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	ProcessingStatus string          `json:"processing_status"`
	OwnerID          string          `json:"owner_id,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ReceivedAt       time.Time       `json:"received_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// AppendNote records a human-readable progression note on the event row.
func (e *WebhookEvent) AppendNote(note string) {
	if e.Notes == "" {
		e.Notes = note
		return
	}
	e.Notes = e.Notes + "; " + note
}
