package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Lead processing states
const (
	LeadStatusPending   = "pending"   // imported, not yet contacted
	LeadStatusContacted = "contacted" // at least one email sent
	LeadStatusReplied   = "replied"   // lead replied, follow-ups stop (terminal)
	LeadStatusFailed    = "failed"    // all send attempts failed (terminal)
)

// Lead represents a single recipient attached to one campaign
type Lead struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignID uuid.UUID `gorm:"type:uuid;not null;index:idx_campaign_email,unique" json:"campaign_id"`

	// Email is stored lowercased; unique within its campaign.
	Email     string  `gorm:"not null;index:idx_campaign_email,unique" json:"email"`
	FirstName *string `json:"first_name,omitempty"`
	Company   *string `json:"company,omitempty"`

	Status string `gorm:"default:'pending';index" json:"status"`

	// Relations
	Jobs []Job `gorm:"foreignKey:LeadID" json:"jobs,omitempty"`
}

func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// IsTerminal reports whether no further sends are permitted for this lead.
func (l *Lead) IsTerminal() bool {
	return l.Status == LeadStatusReplied || l.Status == LeadStatusFailed
}
