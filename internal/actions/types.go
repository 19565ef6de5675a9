package actions

import (
	"encoding/json"
	"time"
)

// Action statuses
const (
	StatusPending   = "PENDING"
	StatusSent      = "SENT"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
)

// TypeWorklistCreateItem is the only action type the gateway accepts today.
const TypeWorklistCreateItem = "worklist.create_item"

// Action is a unit of work sent to a provider's screening gateway.
type Action struct {
	ID              string
	AppointmentID   string
	ProviderID      string
	Type            string
	Payload         json.RawMessage
	AccessionNumber string
	Status          string
	SentAt          *time.Time
	ConfirmedAt     *time.Time
	FailedAt        *time.Time
	RetryCount      int
	NextRetryAt     *time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAction carries what the caller decides before an action is persisted.
// ID and AccessionNumber are chosen by the caller because both are embedded
// in Payload.
type NewAction struct {
	ID              string
	AppointmentID   string
	ProviderID      string
	Type            string
	Payload         json.RawMessage
	AccessionNumber string
}

// AdvanceOptions qualifies a status change.
type AdvanceOptions struct {
	// At stamps the timestamp column named by the target status. Zero means now.
	At time.Time
	// Error is recorded as last_error when moving to FAILED.
	Error string
	// NextRetryAt schedules the sweeper for FAILED and PENDING targets.
	// Zero means At plus MinRetryInterval.
	NextRetryAt time.Time
}

// actionItem is the DynamoDB shape of an Action. Timestamps are Unix millis so
// range keys on the indexes sort numerically; absent optional timestamps keep
// the status-retry index sparse.
type actionItem struct {
	ActionID        string `dynamodbav:"action_id"` // PK
	AppointmentID   string `dynamodbav:"appointment_id"`
	ProviderID      string `dynamodbav:"provider_id"`
	Type            string `dynamodbav:"type"`
	Payload         string `dynamodbav:"payload"`
	AccessionNumber string `dynamodbav:"accession_number"`
	Status          string `dynamodbav:"status"`
	SentAt          int64  `dynamodbav:"sent_at,omitempty"`
	ConfirmedAt     int64  `dynamodbav:"confirmed_at,omitempty"`
	FailedAt        int64  `dynamodbav:"failed_at,omitempty"`
	RetryCount      int    `dynamodbav:"retry_count"`
	NextRetryAt     int64  `dynamodbav:"next_retry_at,omitempty"`
	LastError       string `dynamodbav:"last_error,omitempty"`
	CreatedAt       int64  `dynamodbav:"created_at"`
	UpdatedAt       int64  `dynamodbav:"updated_at"`
}

// accessionItem reserves an accession number in the uniqueness table.
type accessionItem struct {
	AccessionNumber string `dynamodbav:"accession_number"` // PK
	ActionID        string `dynamodbav:"action_id"`
	CreatedAt       int64  `dynamodbav:"created_at"`
}

func toItem(a Action) actionItem {
	return actionItem{
		ActionID:        a.ID,
		AppointmentID:   a.AppointmentID,
		ProviderID:      a.ProviderID,
		Type:            a.Type,
		Payload:         string(a.Payload),
		AccessionNumber: a.AccessionNumber,
		Status:          a.Status,
		SentAt:          millis(a.SentAt),
		ConfirmedAt:     millis(a.ConfirmedAt),
		FailedAt:        millis(a.FailedAt),
		RetryCount:      a.RetryCount,
		NextRetryAt:     millis(a.NextRetryAt),
		LastError:       a.LastError,
		CreatedAt:       a.CreatedAt.UnixMilli(),
		UpdatedAt:       a.UpdatedAt.UnixMilli(),
	}
}

func (it actionItem) action() Action {
	return Action{
		ID:              it.ActionID,
		AppointmentID:   it.AppointmentID,
		ProviderID:      it.ProviderID,
		Type:            it.Type,
		Payload:         json.RawMessage(it.Payload),
		AccessionNumber: it.AccessionNumber,
		Status:          it.Status,
		SentAt:          fromMillis(it.SentAt),
		ConfirmedAt:     fromMillis(it.ConfirmedAt),
		FailedAt:        fromMillis(it.FailedAt),
		RetryCount:      it.RetryCount,
		NextRetryAt:     fromMillis(it.NextRetryAt),
		LastError:       it.LastError,
		CreatedAt:       time.UnixMilli(it.CreatedAt).UTC(),
		UpdatedAt:       time.UnixMilli(it.UpdatedAt).UTC(),
	}
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
