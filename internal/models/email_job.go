package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses. QUEUED and SCHEDULED are entry states; COMPLETED, FAILED and
// CANCELLED are terminal.
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
	JobStatusScheduled  = "SCHEDULED"
)

// Recipient targeting selectors.
const (
	RecipientTypeIndividual = "INDIVIDUAL"
	RecipientTypeRoleBased  = "ROLE_BASED"
	RecipientTypeCohort     = "COHORT_BASED"
	RecipientTypeLeague     = "LEAGUE_BASED"
	RecipientTypeAllUsers   = "ALL_USERS"
	RecipientTypeCustomList = "CUSTOM_LIST"
)

// Recipient is one resolved delivery target, snapshotted on the job at enqueue
// time so later changes to the user record do not affect an in-flight send.
type Recipient struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
}

// EmailJob is one logical send request covering one or more recipients.
type EmailJob struct {
	ID            uuid.UUID   `json:"id"`
	QueueRef      string      `json:"queue_ref,omitempty"`
	Subject       string      `json:"subject"`
	HTMLContent   string      `json:"html_content"`
	TextContent   string      `json:"text_content,omitempty"`
	TemplateID    *uuid.UUID  `json:"template_id,omitempty"`
	RecipientType string      `json:"recipient_type"`
	Recipients    []Recipient `json:"recipients"`
	TotalCount    int         `json:"total_count"`
	SentCount     int         `json:"sent_count"`
	FailedCount   int         `json:"failed_count"`
	Priority      int         `json:"priority"` // lower is more urgent; ties break FIFO
	ScheduledFor  *time.Time  `json:"scheduled_for,omitempty"`
	Status        string      `json:"status"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedBy     uuid.UUID   `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	FailedAt      *time.Time  `json:"failed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *EmailJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
