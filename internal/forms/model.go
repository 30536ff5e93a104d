package forms

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessingStatus tracks how far fan-out has progressed for a submission.
type ProcessingStatus string

const (
	// StatusPending is set when the submission row is created.
	StatusPending ProcessingStatus = "pending"
	// StatusCompleted is set once every destination task reported an outcome,
	// regardless of individual results.
	StatusCompleted ProcessingStatus = "completed"
	// StatusFailed is reserved for submissions whose fan-out could never be
	// attempted (for example a form deleted mid-dispatch).
	StatusFailed ProcessingStatus = "failed"
)

// Form is the owner-facing definition a submission is posted against.
type Form struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerUserID string    `gorm:"column:owner_user_id;size:190;not null;index"`
	Title       string    `gorm:"column:title;size:320;not null"`
	// NotifyEmail receives the transactional summary for each submission.
	// Empty disables the email destination.
	NotifyEmail string    `gorm:"column:notify_email;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Form) TableName() string {
	return "forms"
}

// Submission is one accepted form post. The payload is immutable after
// creation; only the processing status moves.
type Submission struct {
	ID               string           `gorm:"column:id;primaryKey;size:190;not null"`
	FormID           string           `gorm:"column:form_id;size:190;not null;index"`
	PayloadJSON      string           `gorm:"column:payload_json;type:text;not null"`
	SubmittedAt      time.Time        `gorm:"column:submitted_at;not null"`
	ProcessingStatus ProcessingStatus `gorm:"column:processing_status;size:16;not null;default:pending"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "form_submissions"
}

// Payload decodes the fieldId→value mapping captured at intake.
func (s Submission) Payload() (map[string]string, error) {
	payload := map[string]string{}
	if s.PayloadJSON == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(s.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("forms: decode submission payload: %w", err)
	}
	return payload, nil
}
