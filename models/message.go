package models

import (
	"time"

	"gorm.io/gorm"
)

// Delivery statuses for WhatsappMessage. A nil status means the provider has
// not reported anything yet.
const (
	MessageStatusQueued    = "QUEUED"
	MessageStatusSent      = "SENT"
	MessageStatusDelivered = "DELIVERED"
	MessageStatusRead      = "READ"
	MessageStatusFailed    = "FAILED"
)

// Message directions, derived from the provider's fromMe flag
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// WhatsappMessage is one row per distinct provider message id ("wamid").
// The provider delivers at-least-once, so the unique index on
// ProviderMessageID is what makes reprocessing idempotent.
type WhatsappMessage struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	ProviderMessageID string  `gorm:"not null;uniqueIndex" json:"provider_message_id"`
	RemoteJID         string  `gorm:"column:remote_jid" json:"remote_jid"`
	RemoteJIDAlt      string  `gorm:"column:remote_jid_alt" json:"remote_jid_alt"`
	Phone             string  `gorm:"index" json:"phone"`
	FromMe            bool    `gorm:"default:false" json:"from_me"`
	Direction         string  `gorm:"type:varchar(10)" json:"direction"`
	MessageType       string  `json:"message_type"`
	Conversation      string  `gorm:"type:text" json:"conversation"`
	Caption           string  `gorm:"type:text" json:"caption"`
	MediaURL          string  `json:"media_url"`
	Status            *string `gorm:"type:varchar(20)" json:"status"`

	// Provider-reported timestamp (seconds since epoch, converted)
	Timestamp *time.Time `json:"timestamp,omitempty"`

	PushName string `json:"push_name"`

	// Raw provider payload with secrets redacted
	RawPayload string `gorm:"type:jsonb;default:'{}'" json:"raw_payload"`

	// Ad attribution (CTWA / Meta Ads signals)
	IsAd             bool   `gorm:"default:false" json:"is_ad"`
	ConversionSource string `json:"conversion_source"`
	SourceID         string `json:"source_id"`
	SourceType       string `json:"source_type"`
	SourceURL        string `json:"source_url"`
	CtwaClid         string `json:"ctwa_clid"`
	AdTitle          string `json:"ad_title"`
	AdBody           string `gorm:"type:text" json:"ad_body"`
	AdThumbnailURL   string `json:"ad_thumbnail_url"`

	// SHA-256 hashes of lowercase-trimmed PII for ad-platform event export
	HashedPhone     string `json:"-"`
	HashedEmail     string `json:"-"`
	HashedFirstName string `json:"-"`
	HashedLastName  string `json:"-"`

	// Originating lead, when one exists for this contact
	LeadID *uint `gorm:"index" json:"lead_id,omitempty"`

	User User  `json:"-"`
	Lead *Lead `json:"lead,omitempty"`
}
