package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a tenant account (a clinic) in the system
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`
	Language string  `gorm:"default:'pt-BR'" json:"language"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Token sent to the automation relay so downstream flows can call back
	// into the provider on behalf of this tenant
	SendToken *string `json:"-"`

	// Per-tenant override for the automation relay endpoint
	AutomationURL *string `json:"automation_url,omitempty"`

	TokenVersion int `gorm:"default:0" json:"-"`

	// Relations
	Instances []EvolutionInstance `gorm:"foreignKey:UserID" json:"instances,omitempty"`
	Leads     []Lead              `gorm:"foreignKey:UserID" json:"leads,omitempty"`
	Messages  []WhatsappMessage   `gorm:"foreignKey:UserID" json:"messages,omitempty"`
}

// CompanyName returns the display name used in relay payloads.
func (u *User) CompanyName() string {
	if u.Company != nil && *u.Company != "" {
		return *u.Company
	}
	if u.Name != nil {
		return *u.Name
	}
	return ""
}

// RefreshToken stores long-lived refresh tokens per user
type RefreshToken struct {
	gorm.Model
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Token     string    `gorm:"not null;uniqueIndex" json:"-"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	Revoked   bool      `gorm:"default:false" json:"revoked"`

	User User `json:"-"`
}
