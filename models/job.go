package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job execution states
const (
	JobStatusPending = "pending" // scheduled, waiting to execute
	JobStatusSent    = "sent"    // email successfully handed to the provider
	JobStatusFailed  = "failed"  // retries exhausted or permanent rejection
	JobStatusSkipped = "skipped" // lead terminal, template missing, canceled
)

// Job is a durable record of one scheduled send for one (lead, step).
// The jobs table doubles as the dispatch queue: workers claim due PENDING
// rows under a row lock, so status and scheduled_at carry an index together.
type Job struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignID uuid.UUID `gorm:"type:uuid;not null;index" json:"campaign_id"`
	LeadID     uuid.UUID `gorm:"type:uuid;not null;index" json:"lead_id"`
	StepNumber int       `gorm:"not null" json:"step_number"`

	ScheduledAt time.Time  `gorm:"not null;index:idx_jobs_status_scheduled,priority:2" json:"scheduled_at"`
	SentAt      *time.Time `gorm:"index" json:"sent_at"`

	Status   string `gorm:"default:'pending';index:idx_jobs_status_scheduled,priority:1" json:"status"`
	Attempts int    `gorm:"default:0" json:"attempts"`

	LastError *string `gorm:"size:1000" json:"last_error,omitempty"`

	// MessageID is the provider message id; replies are correlated back to
	// the lead through it.
	MessageID *string `gorm:"size:255;index" json:"message_id,omitempty"`

	// Relations
	Lead Lead `json:"-"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
