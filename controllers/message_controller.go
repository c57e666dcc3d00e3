package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

const (
	clientMessageIDPrefix = "api-"
	mediaMaxBytes         = 10 << 20 // 10 MiB
)

// ErrRateLimited is returned when a tenant exhausts its sending window.
// No side effects have happened when this is returned.
var ErrRateLimited = errors.New("message rate limit exceeded")

// ValidationError rejects a send before any provider call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

var mediaContentTypePrefixes = []string{"image/", "application/", "video/"}

// rateBucket is the per-tenant sliding send window. Lost on restart, which
// only allows a fresh burst.
type rateBucket struct {
	sends []time.Time
}

// MessageController dispatches outbound WhatsApp messages through the
// provider gateway, with per-tenant rate limiting and out-of-band media
// validation.
type MessageController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Evo    utils.EvolutionAPI

	// media HEAD checks
	HTTPClient *http.Client

	RateLimit  int
	RateWindow time.Duration

	mu      sync.Mutex
	buckets map[uint]*rateBucket
}

func NewMessageController(db *gorm.DB, evo utils.EvolutionAPI, logger *log.Logger) *MessageController {
	return &MessageController{
		DB:         db,
		Logger:     logger,
		Evo:        evo,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		RateLimit:  config.AppConfig.SendRateLimit,
		RateWindow: time.Minute,
		buckets:    make(map[uint]*rateBucket),
	}
}

// SendInput is the dispatcher's request shape.
type SendInput struct {
	Phone           string `json:"phone" validate:"required,phone,max=25"`
	Text            string `json:"text" validate:"omitempty,max=4096"`
	MediaURL        string `json:"media_url" validate:"omitempty,url"`
	Caption         string `json:"caption" validate:"omitempty,max=1024"`
	ClientMessageID string `json:"client_message_id" validate:"omitempty,max=128"`
	InstanceID      string `json:"instance_id" validate:"omitempty,max=128"`
}

// SendOutcome is the dispatcher's soft result: provider failures are
// reported as status "failed", not as errors, so callers poll message state
// instead of handling transport exceptions.
type SendOutcome struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SendMessage is the HTTP entry point for outbound sends.
func (mc *MessageController) SendMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input SendInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	outcome, err := mc.Dispatch(c.UserContext(), user, input)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "Message rate limit exceeded", nil)
		}
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, vErr.Reason, nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to send message", err)
	}
	return c.JSON(utils.SuccessResponse(outcome))
}

// Dispatch runs the full send pipeline. The provisional row is written
// before the provider call so a crash mid-send still leaves a trace.
func (mc *MessageController) Dispatch(ctx context.Context, user *models.User, input SendInput) (*SendOutcome, error) {
	if !mc.allowSend(user.ID) {
		return nil, ErrRateLimited
	}

	phone := utils.NormalizePhone(input.Phone)
	if len(phone) < 7 {
		return nil, &ValidationError{Reason: "Phone must contain at least 7 digits"}
	}

	// The derived key is tenant-scoped: the unique index on
	// provider_message_id is global, so a caller token reused by another
	// tenant must never map to the same key.
	clientID := clientMessageIDPrefix + uuid.NewString()
	if input.ClientMessageID != "" {
		clientID = fmt.Sprintf("%s%d-%s", clientMessageIDPrefix, user.ID, input.ClientMessageID)
	}

	// idempotency: a retry with the same client id resolves to the same row
	var existing models.WhatsappMessage
	err := mc.DB.Where("user_id = ? AND provider_message_id = ?", user.ID, clientID).First(&existing).Error
	if err == nil {
		status := models.MessageStatusQueued
		if existing.Status != nil {
			status = *existing.Status
		}
		return &SendOutcome{ID: clientID, Status: strings.ToLower(status)}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	msg := models.WhatsappMessage{
		UserID:            user.ID,
		ProviderMessageID: clientID,
		Phone:             phone,
		FromMe:            true,
		Direction:         models.DirectionOutbound,
		MessageType:       outboundKind(input),
		Conversation:      input.Text,
		Caption:           input.Caption,
		MediaURL:          input.MediaURL,
		Status:            utils.Pointer(models.MessageStatusQueued),
		Timestamp:         utils.Pointer(time.Now().UTC()),
		HashedPhone:       utils.HashPII(phone),
	}
	if err := mc.DB.Create(&msg).Error; err != nil {
		return nil, err
	}

	if input.MediaURL != "" {
		if err := mc.validateMedia(ctx, input.MediaURL); err != nil {
			mc.markStatus(&msg, models.MessageStatusFailed, nil)
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	instanceID := input.InstanceID
	if instanceID == "" {
		var instance models.EvolutionInstance
		if err := mc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").First(&instance).Error; err == nil {
			instanceID = instance.InstanceID
		}
	}

	result, err := mc.Evo.SendMessage(ctx, utils.SendMessageRequest{
		InstanceID: instanceID,
		Number:     phone,
		Text:       input.Text,
		MediaURL:   input.MediaURL,
		Caption:    input.Caption,
	})
	if err != nil {
		mc.Logger.Printf("send: provider call failed for %s: %v", clientID, err)
		mc.markStatus(&msg, models.MessageStatusFailed, nil)
		return &SendOutcome{ID: clientID, Status: "failed"}, nil
	}

	mc.markStatus(&msg, models.MessageStatusSent, result)
	return &SendOutcome{ID: clientID, Status: "sent"}, nil
}

// allowSend consumes one slot of the tenant's sliding window.
func (mc *MessageController) allowSend(userID uint) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	bucket := mc.buckets[userID]
	if bucket == nil {
		bucket = &rateBucket{}
		mc.buckets[userID] = bucket
	}

	cutoff := now.Add(-mc.RateWindow)
	kept := bucket.sends[:0]
	for _, ts := range bucket.sends {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	bucket.sends = kept

	if len(bucket.sends) >= mc.RateLimit {
		return false
	}
	bucket.sends = append(bucket.sends, now)
	return true
}

// validateMedia checks the media out-of-band with a HEAD request before the
// provider is involved.
func (mc *MessageController) validateMedia(ctx context.Context, mediaURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}

	resp, err := mc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("media URL unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("media URL returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	allowed := false
	for _, prefix := range mediaContentTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("unsupported media content type %q", contentType)
	}

	if resp.ContentLength > mediaMaxBytes {
		return fmt.Errorf("media exceeds %d bytes", int64(mediaMaxBytes))
	}
	return nil
}

func (mc *MessageController) markStatus(msg *models.WhatsappMessage, status string, result *utils.SendMessageResult) {
	updates := map[string]interface{}{"status": status}
	if result != nil {
		if merged, err := json.Marshal(result); err == nil {
			updates["raw_payload"] = string(merged)
		}
	}
	if err := mc.DB.Model(msg).Updates(updates).Error; err != nil {
		mc.Logger.Printf("send: status update failed for %s: %v", msg.ProviderMessageID, err)
	}
}

func outboundKind(input SendInput) string {
	if input.MediaURL != "" {
		return "media"
	}
	return "text"
}

// GetMessages lists the tenant's messages, newest first, with optional phone
// and direction filters.
func (mc *MessageController) GetMessages(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := mc.DB.Model(&models.WhatsappMessage{}).Where("user_id = ?", user.ID)
	if phone := utils.NormalizePhone(c.Query("phone")); phone != "" {
		query = query.Where("phone = ?", phone)
	}
	if direction := c.Query("direction"); direction == models.DirectionInbound || direction == models.DirectionOutbound {
		query = query.Where("direction = ?", direction)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count messages", err)
	}

	var messages []models.WhatsappMessage
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&messages).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch messages", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  messages,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

// GetMessage fetches one message by its provider message id.
func (mc *MessageController) GetMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	messageID := c.Params("id")

	var msg models.WhatsappMessage
	err := mc.DB.Where("user_id = ? AND provider_message_id = ?", user.ID, messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch message", err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

// GetConversation proxies the provider's chat history for one contact.
func (mc *MessageController) GetConversation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	phone := utils.NormalizePhone(c.Params("phone"))
	if len(phone) < 7 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Phone must contain at least 7 digits", nil)
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	instanceID := ""
	var instance models.EvolutionInstance
	if err := mc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").First(&instance).Error; err == nil {
		instanceID = instance.InstanceID
	}

	rows, err := mc.Evo.GetConversation(c.UserContext(), phone, utils.ConversationOptions{
		InstanceID: instanceID,
		Limit:      limit,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to fetch conversation", err)
	}
	return c.JSON(utils.SuccessResponse(rows))
}

// ListChats proxies the provider's chat listing.
func (mc *MessageController) ListChats(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	instanceID := ""
	var instance models.EvolutionInstance
	if err := mc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").First(&instance).Error; err == nil {
		instanceID = instance.InstanceID
	}

	rows, err := mc.Evo.ListChats(c.UserContext(), utils.ConversationOptions{
		InstanceID: instanceID,
		Limit:      limit,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to list chats", err)
	}
	return c.JSON(utils.SuccessResponse(rows))
}
