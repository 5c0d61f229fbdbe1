package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a user account in the system. Login and session issuance
// live in a separate service; this backend only verifies the signed tokens.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email     string  `gorm:"uniqueIndex;not null" json:"email"`
	FirstName *string `json:"first_name,omitempty"`
	Company   *string `json:"company,omitempty"`

	// SignatureHTML is appended to every outgoing campaign email body.
	SignatureHTML    string `json:"signature_html"`
	ProfileCompleted bool   `gorm:"default:false" json:"profile_completed"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Campaigns []Campaign `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
