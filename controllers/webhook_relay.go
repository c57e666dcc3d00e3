package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

// automationURL returns the relay target for a tenant: the per-tenant
// override when set, else the global automation endpoint.
func automationURL(user *models.User) string {
	if user.AutomationURL != nil && *user.AutomationURL != "" {
		return *user.AutomationURL
	}
	return config.AppConfig.Webhook.AutomationURL
}

// relayMessage forwards an enriched message event to the automation
// endpoint with up to RelayRetries attempts and linear backoff between them.
// Relay failure is recorded on the audit row, never surfaced to the provider.
func (wc *WebhookController) relayMessage(user *models.User, instance *models.EvolutionInstance, audit *models.WebhookEvent, instanceName, phone string, row map[string]interface{}) {
	url := automationURL(user)
	if url == "" {
		return
	}

	payload := map[string]interface{}{
		"jsonrow":      row,
		"user_id":      user.ID,
		"company_id":   user.ID,
		"company_name": user.CompanyName(),
		"instance_id":  instance.InstanceID,
		"from_number":  phone,
		"instance": map[string]interface{}{
			"instance":           instanceName,
			"instanceId":         instance.InstanceID,
			"providerInstanceId": instance.ProviderInstanceID,
			"status":             instance.Status,
			"apikey":             derefString(user.SendToken),
		},
		"webhooks": []interface{}{row},
	}

	delivered := false
	for attempt := 1; attempt <= wc.RelayRetries; attempt++ {
		if wc.postJSON(url, payload) {
			delivered = true
			break
		}
		if attempt < wc.RelayRetries {
			time.Sleep(wc.RelayBackoff * time.Duration(attempt))
		}
	}

	wc.finishRelay(audit, url, payload, delivered)
}

// relayConnectionUpdate sends a minimal connection-state payload with a
// single best-effort POST. Unlike message relay there is no retry loop.
func (wc *WebhookController) relayConnectionUpdate(user *models.User, instance *models.EvolutionInstance, audit *models.WebhookEvent, state string) {
	url := automationURL(user)
	if url == "" {
		return
	}

	payload := map[string]interface{}{
		"event":       "connection.update",
		"user_id":     user.ID,
		"instance_id": instance.InstanceID,
		"state":       state,
		"status":      instance.Status,
	}

	wc.finishRelay(audit, url, payload, wc.postJSON(url, payload))
}

func (wc *WebhookController) postJSON(url string, payload map[string]interface{}) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		wc.Logger.Printf("relay: payload marshal failed: %v", err)
		return false
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		wc.Logger.Printf("relay: request build failed: %v", err)
		return false
	}
	req.Header.Set("Content-Type", config.AppConfig.Webhook.OutboundContentType)
	if auth := config.AppConfig.Webhook.OutboundAuthorization; auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := wc.HTTPClient.Do(req)
	if err != nil {
		wc.Logger.Printf("relay: POST %s failed: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		wc.Logger.Printf("relay: POST %s returned %d", url, resp.StatusCode)
		return false
	}
	return true
}

func (wc *WebhookController) finishRelay(audit *models.WebhookEvent, url string, payload map[string]interface{}, delivered bool) {
	outbound, _ := json.Marshal(utils.RedactSecrets(payload))

	audit.OutboundURL = url
	audit.OutboundPayload = string(outbound)
	if delivered {
		audit.DeliveryStatus = models.WebhookDeliverySent
		audit.SentAt = utils.Pointer(time.Now().UTC())
	} else {
		audit.DeliveryStatus = models.WebhookDeliveryFailed
	}

	if err := wc.DB.Save(audit).Error; err != nil {
		wc.Logger.Printf("relay: audit update failed: %v", err)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
