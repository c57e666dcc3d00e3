package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Instance lifecycle statuses
const (
	InstanceStatusDisconnected = "disconnected"
	InstanceStatusPending      = "pending"
	InstanceStatusConnected    = "connected"
)

// connected-like and pending-like provider state tokens, matched by
// case-insensitive substring
var (
	connectedStateTokens = []string{"connected", "open", "online", "ready"}
	pendingStateTokens   = []string{"connecting", "pairing", "initializing", "pending"}
)

// ClassifyState maps a raw provider state string onto the instance status
// set. Unknown states classify as disconnected.
func ClassifyState(state string) string {
	s := strings.ToLower(state)
	for _, token := range connectedStateTokens {
		if strings.Contains(s, token) {
			return InstanceStatusConnected
		}
	}
	for _, token := range pendingStateTokens {
		if strings.Contains(s, token) {
			return InstanceStatusPending
		}
	}
	return InstanceStatusDisconnected
}

// EvolutionInstance represents one tenant-managed WhatsApp connection on the
// Evolution provider. The most recently created record is the tenant's
// "current" instance.
type EvolutionInstance struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Internal tenant-scoped instance name, stable across reconnects
	InstanceID string `gorm:"not null;uniqueIndex" json:"instance_id"`

	// Provider-assigned id, learned asynchronously from fetchInstances or
	// webhook events
	ProviderInstanceID *string `gorm:"index" json:"provider_instance_id,omitempty"`

	Status      string     `gorm:"type:varchar(20);default:'disconnected'" json:"status"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// Free-form provider state: last seen connection state, cached QR
	// artifacts, profile name/photo, requested/observed phone number,
	// webhook slot binding. Always merge-patched, never overwritten.
	Metadata string `gorm:"type:jsonb;default:'{}'" json:"metadata"`

	User User `json:"-"`
}

// MetadataMap decodes the metadata blob. A broken or empty blob decodes to an
// empty map so callers never branch on decode errors.
func (i *EvolutionInstance) MetadataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if i.Metadata != "" {
		_ = json.Unmarshal([]byte(i.Metadata), &out)
	}
	return out
}

// MergeMetadata applies a patch on top of the stored metadata and returns the
// encoded result. Keys with nil values are removed.
func (i *EvolutionInstance) MergeMetadata(patch map[string]interface{}) string {
	merged := i.MetadataMap()
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return i.Metadata
	}
	i.Metadata = string(raw)
	return i.Metadata
}

// MetadataString returns a string-typed metadata value, or "" when absent.
func (i *EvolutionInstance) MetadataString(key string) string {
	if v, ok := i.MetadataMap()[key].(string); ok {
		return v
	}
	return ""
}
