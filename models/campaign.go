package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Campaign lifecycle states
const (
	CampaignStatusDraft     = "draft"     // created, not yet launched
	CampaignStatusActive    = "active"    // emails being sent
	CampaignStatusPaused    = "paused"    // temporarily stopped
	CampaignStatusCompleted = "completed" // no pending jobs; every lead terminal or sequence exhausted
)

// Campaign represents a multi-step email sequence targeting a set of leads
type Campaign struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Name  string `gorm:"not null" json:"name"`
	Pitch string `json:"pitch"`
	Tone  string `gorm:"default:'professional'" json:"tone"`

	Status string `gorm:"default:'draft';index" json:"status"`

	// StartTime anchors step-1 jobs. Nil until launch.
	StartTime *time.Time `json:"start_time"`

	// Relations
	Leads     []Lead        `gorm:"foreignKey:CampaignID" json:"leads,omitempty"`
	Templates []Template    `gorm:"foreignKey:CampaignID" json:"templates,omitempty"`
	Jobs      []Job         `gorm:"foreignKey:CampaignID" json:"jobs,omitempty"`
	Tags      []CampaignTag `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"tags,omitempty"`
}

func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// CanTransitionTo reports whether the campaign state machine allows the move.
// COMPLETED is terminal.
func (c *Campaign) CanTransitionTo(status string) bool {
	switch c.Status {
	case CampaignStatusDraft:
		return status == CampaignStatusActive
	case CampaignStatusActive:
		return status == CampaignStatusPaused || status == CampaignStatusCompleted
	case CampaignStatusPaused:
		return status == CampaignStatusActive || status == CampaignStatusCompleted
	}
	return false
}

// CampaignTag is a free-form label attached to a campaign
type CampaignTag struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CampaignID uuid.UUID `gorm:"type:uuid;not null;index:idx_campaign_tag,unique" json:"campaign_id"`
	Tag        string    `gorm:"not null;index:idx_campaign_tag,unique" json:"tag"`
}

func (t *CampaignTag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// CampaignStats holds denormalized counts computed on read
type CampaignStats struct {
	TotalLeads     int64 `json:"total_leads"`
	PendingLeads   int64 `json:"pending_leads"`
	ContactedLeads int64 `json:"contacted_leads"`
	RepliedLeads   int64 `json:"replied_leads"`
	FailedLeads    int64 `json:"failed_leads"`
	PendingJobs    int64 `json:"pending_jobs"`
}
