package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

// InstanceController owns the lifecycle of a tenant's WhatsApp connection:
// creation, QR pairing, status reconciliation, disconnect and removal.
type InstanceController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Evo    utils.EvolutionAPI
}

func NewInstanceController(db *gorm.DB, evo utils.EvolutionAPI, logger *log.Logger) *InstanceController {
	return &InstanceController{
		DB:     db,
		Logger: logger,
		Evo:    evo,
	}
}

// CurrentInstance returns the tenant's most recently created instance, or nil
// when the tenant has never started a session. nil is the canonical
// "first-time user" signal, not an error.
func (ic *InstanceController) CurrentInstance(userID uint) (*models.EvolutionInstance, error) {
	var instance models.EvolutionInstance
	err := ic.DB.Where("user_id = ?", userID).Order("created_at DESC").First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetCurrentSession returns the current instance with its cached QR metadata,
// or a null payload for first-time tenants.
func (ic *InstanceController) GetCurrentSession(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	instance, err := ic.CurrentInstance(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load session", err)
	}
	if instance == nil {
		return c.JSON(utils.SuccessResponse(nil))
	}
	return c.JSON(utils.SuccessResponse(ic.sessionView(instance)))
}

// StartSession connects (or reconnects) the tenant's WhatsApp instance and
// returns a fresh QR when pairing is needed.
func (ic *InstanceController) StartSession(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		PhoneNumber string `json:"phone_number" validate:"omitempty,phone,max=20"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
		if err := utils.ValidateStruct(input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
		}
	}

	ctx := c.UserContext()
	instance, err := ic.CurrentInstance(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load session", err)
	}

	// An instance the provider no longer knows about was reset locally on a
	// previous attempt; start over with a fresh create
	if instance != nil && instance.Status == models.InstanceStatusDisconnected &&
		instance.MetadataString("lastState") == "not_found" {
		instance = nil
	}

	if instance == nil {
		instance, err = ic.createManagedInstance(ctx, user, input.PhoneNumber)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to create provider instance", err)
		}
		return c.JSON(utils.SuccessResponse(ic.sessionView(instance)))
	}

	if err := ic.refreshSession(ctx, instance, input.PhoneNumber, true); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to start session", err)
	}
	return c.JSON(utils.SuccessResponse(ic.sessionView(instance)))
}

// RefreshQr re-fetches the pairing QR without forcing a logout.
func (ic *InstanceController) RefreshQr(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	instance, err := ic.CurrentInstance(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load session", err)
	}
	if instance == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No WhatsApp instance for this account", nil)
	}

	if err := ic.refreshSession(c.UserContext(), instance, instance.MetadataString("requestedNumber"), false); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to refresh QR", err)
	}
	return c.JSON(utils.SuccessResponse(ic.sessionView(instance)))
}

// Disconnect logs the instance out on the provider side (best effort) and
// marks it disconnected locally.
func (ic *InstanceController) Disconnect(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	instance, err := ic.CurrentInstance(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load session", err)
	}
	if instance == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No WhatsApp instance for this account", nil)
	}

	if err := ic.Evo.Logout(c.UserContext(), instance.InstanceID); err != nil && !utils.IsEvolutionNotFound(err) {
		// Other provider failures still leave the local record untouched
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Provider logout failed", err)
	} else if utils.IsEvolutionNotFound(err) {
		ic.Logger.Printf("logout: instance %s already gone on provider", instance.InstanceID)
	}

	ic.applyState(instance, "close")
	instance.MergeMetadata(map[string]interface{}{
		"lastState": "close",
		"stateAt":   time.Now().UTC().Format(time.RFC3339),
	})
	if err := ic.DB.Save(instance).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to persist disconnect", err)
	}
	return c.JSON(utils.SuccessResponse(ic.sessionView(instance)))
}

// RemoveInstance tears the instance down: best-effort provider logout and
// delete, then unconditional local removal.
func (ic *InstanceController) RemoveInstance(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	instance, err := ic.CurrentInstance(user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load session", err)
	}
	if instance == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No WhatsApp instance for this account", nil)
	}

	ctx := c.UserContext()
	if err := ic.Evo.Logout(ctx, instance.InstanceID); err != nil {
		ic.Logger.Printf("remove: provider logout failed for %s: %v", instance.InstanceID, err)
	}
	if err := ic.Evo.Delete(ctx, instance.InstanceID); err != nil {
		ic.Logger.Printf("remove: provider delete failed for %s: %v", instance.InstanceID, err)
	}

	if err := ic.DB.Unscoped().Delete(instance).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to remove instance", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"removed": true}))
}

// createManagedInstance registers a brand-new instance with the provider and
// persists the local record in pending state with the first QR cached.
func (ic *InstanceController) createManagedInstance(ctx context.Context, user *models.User, phoneNumber string) (*models.EvolutionInstance, error) {
	name := fmt.Sprintf("clinic-%d-%d", user.ID, time.Now().Unix())

	created, err := ic.Evo.CreateInstance(ctx, utils.CreateInstanceRequest{
		InstanceName: name,
		Number:       phoneNumber,
		QrCode:       true,
		Webhook:      ic.webhookSubscription(),
	})
	if err != nil {
		return nil, err
	}

	instance := &models.EvolutionInstance{
		UserID:     user.ID,
		InstanceID: created.ID,
		Status:     models.InstanceStatusPending,
	}
	if created.ProviderID != "" {
		instance.ProviderInstanceID = utils.Pointer(created.ProviderID)
	}

	patch := map[string]interface{}{
		"displayName":     name,
		"requestedNumber": phoneNumber,
		"createdAt":       time.Now().UTC().Format(time.RFC3339),
	}
	if created.Token != "" {
		patch["providerToken"] = created.Token
	}

	if qr, err := ic.Evo.GetQrCode(ctx, instance.InstanceID, phoneNumber); err == nil {
		mergeQrPatch(patch, qr)
	} else {
		ic.Logger.Printf("create: QR fetch failed for %s: %v", instance.InstanceID, err)
	}
	instance.MergeMetadata(patch)

	if err := ic.DB.Create(instance).Error; err != nil {
		return nil, err
	}
	return instance, nil
}

// refreshSession reconciles the local record with provider state and fetches
// a fresh QR when the instance is not connected. forceNew relogs a connected
// instance out first so the provider issues a new QR.
func (ic *InstanceController) refreshSession(ctx context.Context, instance *models.EvolutionInstance, phoneNumber string, forceNew bool) error {
	state, stateErr := ic.Evo.GetState(ctx, instance.InstanceID)
	if stateErr != nil {
		summary, sumErr := ic.Evo.FetchInstance(ctx, instance.InstanceID, providerID(instance))
		if sumErr != nil || summary == nil {
			// Gone on the provider entirely: reset locally so the next
			// attempt starts from a clean create
			ic.Logger.Printf("session: instance %s not found on provider, resetting", instance.InstanceID)
			instance.Status = models.InstanceStatusDisconnected
			instance.ConnectedAt = nil
			instance.ProviderInstanceID = nil
			instance.MergeMetadata(map[string]interface{}{
				"lastState": "not_found",
				"stateAt":   time.Now().UTC().Format(time.RFC3339),
			})
			return ic.DB.Save(instance).Error
		}
		state = &utils.ConnectionState{State: summary.ConnectionState}
		ic.absorbSummary(instance, summary)
	}

	patch := map[string]interface{}{
		"lastState": state.State,
		"stateAt":   time.Now().UTC().Format(time.RFC3339),
	}
	if phoneNumber != "" {
		patch["requestedNumber"] = phoneNumber
	}

	status := models.ClassifyState(state.State)
	if status == models.InstanceStatusConnected && forceNew {
		// Starting a new session while connected: force a logout so the
		// provider issues a fresh QR
		if err := ic.Evo.Logout(ctx, instance.InstanceID); err != nil && !utils.IsEvolutionNotFound(err) {
			return err
		}
		status = models.InstanceStatusPending
	}

	if status != models.InstanceStatusConnected {
		qr, err := ic.Evo.GetQrCode(ctx, instance.InstanceID, phoneNumber)
		if err != nil {
			return err
		}
		mergeQrPatch(patch, qr)
		if qr.Status != "" {
			status = models.ClassifyState(qr.Status)
			if status == models.InstanceStatusDisconnected {
				status = models.InstanceStatusPending
			}
		} else {
			status = models.InstanceStatusPending
		}
	}

	ic.setStatus(instance, status)
	instance.MergeMetadata(patch)
	return ic.DB.Save(instance).Error
}

// ReconcileState is used by the status worker: pull provider state and apply
// it, merging the metadata patch.
func (ic *InstanceController) ReconcileState(ctx context.Context, instance *models.EvolutionInstance) error {
	state, err := ic.Evo.GetState(ctx, instance.InstanceID)
	if err != nil {
		return err
	}
	ic.applyState(instance, state.State)
	instance.MergeMetadata(map[string]interface{}{
		"lastState": state.State,
		"stateAt":   time.Now().UTC().Format(time.RFC3339),
	})
	return ic.DB.Save(instance).Error
}

func (ic *InstanceController) applyState(instance *models.EvolutionInstance, state string) {
	ic.setStatus(instance, models.ClassifyState(state))
}

func (ic *InstanceController) setStatus(instance *models.EvolutionInstance, status string) {
	instance.Status = status
	if status == models.InstanceStatusConnected {
		if instance.ConnectedAt == nil {
			instance.ConnectedAt = utils.Pointer(time.Now().UTC())
		}
	} else {
		instance.ConnectedAt = nil
	}
}

func (ic *InstanceController) absorbSummary(instance *models.EvolutionInstance, summary *utils.InstanceSummary) {
	patch := map[string]interface{}{}
	if summary.ID != "" {
		instance.ProviderInstanceID = utils.Pointer(summary.ID)
	}
	if summary.ProfileName != "" {
		patch["profileName"] = summary.ProfileName
	}
	if summary.ProfilePicURL != "" {
		patch["profilePicUrl"] = summary.ProfilePicURL
	}
	if summary.Number != "" {
		patch["observedNumber"] = summary.Number
	}
	if len(patch) > 0 {
		instance.MergeMetadata(patch)
	}
}

func (ic *InstanceController) webhookSubscription() *utils.InstanceWebhookConfig {
	cfg := config.AppConfig.Webhook
	if cfg.PublicURL == "" {
		return nil
	}
	headers := map[string]string{"Content-Type": cfg.OutboundContentType}
	if cfg.OutboundAuthorization != "" {
		headers["Authorization"] = cfg.OutboundAuthorization
	}
	return &utils.InstanceWebhookConfig{
		URL:     cfg.PublicURL + "/webhooks/evolution",
		Headers: headers,
		Events: []string{
			"MESSAGES_UPSERT",
			"MESSAGES_UPDATE",
			"CONNECTION_UPDATE",
			"CONTACTS_UPDATE",
			"CHATS_UPDATE",
		},
	}
}

func (ic *InstanceController) sessionView(instance *models.EvolutionInstance) fiber.Map {
	meta := instance.MetadataMap()
	return fiber.Map{
		"instance_id":          instance.InstanceID,
		"provider_instance_id": instance.ProviderInstanceID,
		"status":               instance.Status,
		"connected_at":         instance.ConnectedAt,
		"qr": fiber.Map{
			"base64":       meta["qrBase64"],
			"code":         meta["qrCode"],
			"pairing_code": meta["pairingCode"],
		},
		"profile_name":     meta["profileName"],
		"requested_number": meta["requestedNumber"],
		"last_state":       meta["lastState"],
	}
}

func providerID(instance *models.EvolutionInstance) string {
	if instance.ProviderInstanceID != nil {
		return *instance.ProviderInstanceID
	}
	return ""
}

func mergeQrPatch(patch map[string]interface{}, qr *utils.QrCode) {
	if qr.Base64 != "" {
		patch["qrBase64"] = qr.Base64
	}
	if qr.Svg != "" {
		patch["qrSvg"] = qr.Svg
	}
	if qr.Code != "" {
		patch["qrCode"] = qr.Code
	}
	if qr.PairingCode != "" {
		patch["pairingCode"] = qr.PairingCode
	}
	if qr.Count > 0 {
		patch["qrCount"] = qr.Count
	}
}
