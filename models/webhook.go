package models

import (
	"time"

	"gorm.io/gorm"
)

// Relay delivery statuses for WebhookEvent
const (
	WebhookDeliveryPending = "pending"
	WebhookDeliverySent    = "sent"
	WebhookDeliveryFailed  = "failed"
)

// WebhookEvent is the append-only audit record for every raw provider
// exchange. It is written before any message or lead mutation so partial
// failures always leave a trail.
type WebhookEvent struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	InstanceID         string `gorm:"index" json:"instance_id"`
	ProviderInstanceID string `json:"provider_instance_id"`
	Event              string `gorm:"index" json:"event"`

	// Raw inbound JSON with secrets redacted
	RawPayload string `gorm:"type:jsonb;default:'{}'" json:"raw_payload"`

	// Normalized "row" projection of the event
	RowPayload string `gorm:"type:jsonb;default:'{}'" json:"row_payload"`

	// Per-item fields for contacts.* / chats.* events
	Phone             string `json:"phone"`
	PushName          string `json:"push_name"`
	ProfilePictureURL string `json:"profile_picture_url"`
	UnreadCount       *int   `json:"unread_count,omitempty"`

	// Outbound relay to the automation endpoint
	OutboundURL     string     `json:"outbound_url"`
	OutboundPayload string     `gorm:"type:jsonb;default:'{}'" json:"outbound_payload"`
	DeliveryStatus  string     `gorm:"type:varchar(10);default:'pending'" json:"delivery_status"`
	SentAt          *time.Time `json:"sent_at,omitempty"`

	User User `json:"-"`
}
