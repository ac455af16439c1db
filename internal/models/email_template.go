package models

import (
	"time"

	"github.com/google/uuid"
)

// EmailTemplate is a stored message template. Rendering substitutes variables
// into subject and bodies; authoring and versioning live in the admin app.
type EmailTemplate struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	TextContent string    `json:"text_content,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
