package controller

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

// WebhookController ingests provider webhook events: tenant resolution,
// message upserts, audit records and relay to the automation endpoint.
type WebhookController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Hub    *LiveHub

	// relay tuning, overridable in tests
	HTTPClient   *http.Client
	RelayBackoff time.Duration
	RelayRetries int
}

func NewWebhookController(db *gorm.DB, hub *LiveHub, logger *log.Logger) *WebhookController {
	return &WebhookController{
		DB:           db,
		Logger:       logger,
		Hub:          hub,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		RelayBackoff: 300 * time.Millisecond,
		RelayRetries: 3,
	}
}

// webhookEnvelope is the provider's outer event shape. Data is kept untyped
// because each event kind carries a different payload.
type webhookEnvelope struct {
	Event    string                 `json:"event"`
	Instance string                 `json:"instance"`
	Data     interface{}            `json:"data"`
	Body     map[string]interface{} `json:"body"`
	APIKey   string                 `json:"apikey"`
}

// HandleEvolution receives provider webhook deliveries. The provider contract
// is "always 200 unless unauthorized": the handler acknowledges immediately
// and processes in the background so the provider never retries on an
// application error.
func (wc *WebhookController) HandleEvolution(c *fiber.Ctx) error {
	if secret := config.AppConfig.Webhook.Secret; secret != "" {
		header := strings.TrimSpace(strings.TrimPrefix(c.Get("Authorization"), "Bearer"))
		if header != secret {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Unauthorized", nil)
		}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		wc.Logger.Printf("webhook: discarding non-JSON payload: %v", err)
		return c.JSON(fiber.Map{"status": "received"})
	}

	go wc.process(raw)

	return c.JSON(fiber.Map{"status": "received"})
}

// process runs after the HTTP response has been sent. Errors here are logged
// and reported, never surfaced to the provider.
func (wc *WebhookController) process(raw map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			wc.Logger.Printf("webhook: panic while processing event: %v", r)
			sentry.CurrentHub().Recover(r)
		}
	}()

	env := parseEnvelope(raw)
	event := NormalizeEventName(env.Event)

	instance, user := wc.resolveTenant(env.Instance)
	if instance == nil && event == "messages.upsert" {
		// API-key fallback applies to message upserts only
		instance, user = wc.resolveTenantByAPIKey(env)
	}
	if instance == nil || user == nil {
		wc.Logger.Printf("webhook: dropping %q event, no tenant matches instance %q", event, env.Instance)
		return
	}

	switch {
	case event == "messages.upsert":
		wc.handleMessagesUpsert(user, instance, env, raw)
	case event == "messages.update":
		wc.handleMessagesUpdate(user, instance, env, raw)
	case event == "connection.update":
		wc.handleConnectionUpdate(user, instance, env, raw)
	case strings.HasPrefix(event, "contacts."):
		wc.handleContacts(user, instance, env, raw)
	case strings.HasPrefix(event, "chats."):
		wc.handleChats(user, instance, env, raw)
	default:
		// unknown event kinds still leave an audit trail
		wc.writeAudit(user, instance, env, raw, "", "", nil, nil)
	}
}

// NormalizeEventName lower-cases a provider event name and collapses
// underscore/hyphen separators to dots: MESSAGES_UPSERT -> messages.upsert.
func NormalizeEventName(event string) string {
	s := strings.ToLower(strings.TrimSpace(event))
	s = strings.ReplaceAll(s, "_", ".")
	s = strings.ReplaceAll(s, "-", ".")
	return s
}

// resolveTenant maps a provider-echoed instance identifier onto a stored
// instance record. Providers are inconsistent about which identifier they
// echo back, so this matches provider id, local id, and the displayName or
// instanceName cached in metadata.
func (wc *WebhookController) resolveTenant(instanceName string) (*models.EvolutionInstance, *models.User) {
	if instanceName == "" {
		return nil, nil
	}

	var instance models.EvolutionInstance
	err := wc.DB.Where("provider_instance_id = ? OR instance_id = ?", instanceName, instanceName).
		Order("created_at DESC").First(&instance).Error
	if err == nil {
		return wc.withOwner(&instance)
	}
	if err != gorm.ErrRecordNotFound {
		wc.Logger.Printf("webhook: instance lookup failed: %v", err)
		return nil, nil
	}

	// metadata match: scan candidates whose cached display name matches
	var candidates []models.EvolutionInstance
	if err := wc.DB.Order("created_at DESC").Find(&candidates).Error; err != nil {
		wc.Logger.Printf("webhook: instance scan failed: %v", err)
		return nil, nil
	}
	for i := range candidates {
		meta := candidates[i].MetadataMap()
		if meta["displayName"] == instanceName || meta["instanceName"] == instanceName {
			return wc.withOwner(&candidates[i])
		}
	}
	return nil, nil
}

func (wc *WebhookController) resolveTenantByAPIKey(env webhookEnvelope) (*models.EvolutionInstance, *models.User) {
	key := env.APIKey
	if key == "" {
		if body, ok := env.Body["apikey"].(string); ok {
			key = body
		}
	}
	if key == "" {
		return nil, nil
	}

	var user models.User
	if err := wc.DB.Where("send_token = ?", key).First(&user).Error; err != nil {
		return nil, nil
	}
	var instance models.EvolutionInstance
	if err := wc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").First(&instance).Error; err != nil {
		return nil, nil
	}
	return &instance, &user
}

func (wc *WebhookController) withOwner(instance *models.EvolutionInstance) (*models.EvolutionInstance, *models.User) {
	var user models.User
	if err := wc.DB.First(&user, instance.UserID).Error; err != nil {
		wc.Logger.Printf("webhook: instance %s has no owner: %v", instance.InstanceID, err)
		return nil, nil
	}
	return instance, &user
}

// writeAudit appends one WebhookAuditRecord. The raw payload is redacted
// before persisting; the audit write comes before any other mutation so that
// partial failures always leave the trail.
func (wc *WebhookController) writeAudit(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}, phone, pushName string, row map[string]interface{}, extra func(*models.WebhookEvent)) *models.WebhookEvent {
	redacted := utils.RedactSecrets(raw)
	rawJSON, err := json.Marshal(redacted)
	if err != nil {
		wc.Logger.Printf("webhook: marshal of redacted payload failed: %v", err)
		rawJSON = []byte("{}")
	}

	audit := &models.WebhookEvent{
		UserID:         user.ID,
		InstanceID:     instance.InstanceID,
		Event:          NormalizeEventName(env.Event),
		RawPayload:     string(rawJSON),
		Phone:          phone,
		PushName:       pushName,
		DeliveryStatus: models.WebhookDeliveryPending,
	}
	if instance.ProviderInstanceID != nil {
		audit.ProviderInstanceID = *instance.ProviderInstanceID
	}
	if row != nil {
		if rowJSON, err := json.Marshal(row); err == nil {
			audit.RowPayload = string(rowJSON)
		}
	}
	if extra != nil {
		extra(audit)
	}

	if err := wc.DB.Create(audit).Error; err != nil {
		wc.Logger.Printf("webhook: audit write failed: %v", err)
		sentry.CaptureException(err)
		return nil
	}
	return audit
}

// GetWebhookEvents lists the tenant's audit trail, newest first.
func (wc *WebhookController) GetWebhookEvents(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := wc.DB.Model(&models.WebhookEvent{}).Where("user_id = ?", user.ID)
	if event := c.Query("event"); event != "" {
		query = query.Where("event = ?", NormalizeEventName(event))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count webhook events", err)
	}

	var events []models.WebhookEvent
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&events).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch webhook events", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  events,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func parseEnvelope(raw map[string]interface{}) webhookEnvelope {
	env := webhookEnvelope{}
	if v, ok := raw["event"].(string); ok {
		env.Event = v
	}
	if v, ok := raw["instance"].(string); ok {
		env.Instance = v
	}
	env.Data = raw["data"]
	if v, ok := raw["body"].(map[string]interface{}); ok {
		env.Body = v
	}
	if v, ok := raw["apikey"].(string); ok {
		env.APIKey = v
	}
	return env
}

// dataAsMap returns the envelope's data object, tolerating the provider
// wrapping it in a one-element array.
func dataAsMap(data interface{}) map[string]interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		return v
	case []interface{}:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]interface{}); ok {
				return m
			}
		}
	}
	return nil
}

// dataAsSlice returns the envelope's data as a list, wrapping a singleton
// object into a one-element slice.
func dataAsSlice(data interface{}) []map[string]interface{} {
	switch v := data.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		return []map[string]interface{}{v}
	}
	return nil
}
