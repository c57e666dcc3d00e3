package utils

import (
	"fmt"
)

// EvolutionError is returned for any non-2xx provider response, preserving
// the provider's status code for callers that treat 404 as "already gone".
type EvolutionError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *EvolutionError) Error() string {
	return fmt.Sprintf("evolution API error %d on %s: %s", e.StatusCode, e.Path, e.Body)
}

// IsEvolutionNotFound reports whether err is a provider 404.
func IsEvolutionNotFound(err error) bool {
	evoErr, ok := err.(*EvolutionError)
	return ok && evoErr.StatusCode == 404
}

// InstanceWebhookConfig is the webhook subscription registered with the
// provider at instance-creation time.
type InstanceWebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Events  []string          `json:"events,omitempty"`
}

// CreateInstanceRequest is the provider's instance-create payload.
type CreateInstanceRequest struct {
	InstanceName string                 `json:"instanceName"`
	Number       string                 `json:"number,omitempty"`
	QrCode       bool                   `json:"qrcode"`
	Integration  string                 `json:"integration,omitempty"`
	Webhook      *InstanceWebhookConfig `json:"webhook,omitempty"`
}

// InstanceCreated is the normalized result of a provider instance-create.
type InstanceCreated struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId,omitempty"`
	Token      string `json:"token,omitempty"`
}

// QrCode carries whichever QR artifacts the provider returned; providers are
// inconsistent about which fields they populate.
type QrCode struct {
	Svg         string `json:"svg,omitempty"`
	Base64      string `json:"base64,omitempty"`
	Code        string `json:"code,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	Status      string `json:"status,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// ConnectionState is the provider-reported connection state string plus an
// optional human message.
type ConnectionState struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// InstanceSummary is one entry of the provider's fetchInstances listing.
type InstanceSummary struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	InstanceName    string `json:"instanceName,omitempty"`
	Token           string `json:"token,omitempty"`
	Status          string `json:"status,omitempty"`
	ConnectionState string `json:"connectionStatus,omitempty"`
	Number          string `json:"number,omitempty"`
	ProfileName     string `json:"profileName,omitempty"`
	ProfilePicURL   string `json:"profilePicUrl,omitempty"`
}

// SendMessageRequest is the gateway's normalized send payload.
type SendMessageRequest struct {
	InstanceID string `json:"instanceId,omitempty"`
	Number     string `json:"number"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	Caption    string `json:"caption,omitempty"`
}

// SendMessageResult is the provider's acknowledgement of a send.
type SendMessageResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// ConversationOptions bounds chat/message history lookups.
type ConversationOptions struct {
	InstanceID string
	Limit      int
}
