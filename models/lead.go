package models

import (
	"gorm.io/gorm"
)

// Lead funnel stages
const (
	LeadStageNew       = "new"
	LeadStageContacted = "contacted"
	LeadStageScheduled = "scheduled"
	LeadStageWon       = "won"
	LeadStageLost      = "lost"
)

// Lead represents a single contact. One lead per distinct phone number per
// tenant; the webhook path auto-creates one on first inbound message from an
// unseen number.
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name    string `json:"name"`
	Email   string `gorm:"index" json:"email"`
	Contact string `gorm:"index;not null" json:"contact"` // phone digits
	Source  string `json:"source"`                        // WhatsApp, manual, api, etc.
	Notes   string `gorm:"type:text" json:"notes"`
	Stage   string `gorm:"type:varchar(20);default:'new'" json:"stage"`
	Score   int    `gorm:"default:0" json:"score"`

	// Relations
	Messages []WhatsappMessage `gorm:"foreignKey:LeadID" json:"messages,omitempty"`
	User     User              `json:"-"`
}
