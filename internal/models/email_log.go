package models

import (
	"time"

	"github.com/google/uuid"
)

// Per-recipient delivery statuses. DELIVERED and later states come from
// provider webhooks handled outside this subsystem; the pipeline itself only
// writes PENDING, SENT and FAILED.
const (
	LogStatusPending      = "PENDING"
	LogStatusSent         = "SENT"
	LogStatusDelivered    = "DELIVERED"
	LogStatusBounced      = "BOUNCED"
	LogStatusFailed       = "FAILED"
	LogStatusOpened       = "OPENED"
	LogStatusClicked      = "CLICKED"
	LogStatusUnsubscribed = "UNSUBSCRIBED"
)

// EmailLog records one (job, recipient) delivery attempt. Unique on
// (job_id, recipient_id); created lazily when the worker first reaches the
// recipient, not at enqueue time.
type EmailLog struct {
	ID                uuid.UUID  `json:"id"`
	JobID             uuid.UUID  `json:"job_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	RecipientEmail    string     `json:"recipient_email"`
	Subject           string     `json:"subject"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	BouncedAt         *time.Time `json:"bounced_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Settled reports whether the recipient needs no further attempts: either the
// mail went out (SENT or a later provider-reported state) or it failed hard.
func (l *EmailLog) Settled() bool {
	return l.Status != LogStatusPending
}
