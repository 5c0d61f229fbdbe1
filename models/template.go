package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Template holds the subject and body for one step of a campaign sequence
type Template struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignID uuid.UUID `gorm:"type:uuid;not null;index:idx_campaign_step,unique" json:"campaign_id"`

	// StepNumber starts at 1; unique per campaign.
	StepNumber int    `gorm:"not null;index:idx_campaign_step,unique" json:"step_number"`
	Subject    string `gorm:"not null" json:"subject"`
	BodyHTML   string `gorm:"not null" json:"body_html"`

	// DelayMinutes is counted from the actual send time of the previous
	// step. Ignored for step 1, which is anchored at the campaign start.
	DelayMinutes int `gorm:"default:0" json:"delay_minutes"`
}

func (t *Template) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
