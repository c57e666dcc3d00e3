package controller

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

// adConversionSource is the provider's conversion-source marker for
// click-to-WhatsApp ad traffic.
const adConversionSource = "FB_Ads"

// messageContent is the normalized projection of one provider message
// sub-type: whichever of text, caption and media the sub-type carries, plus
// any ad-attribution context attached to it.
type messageContent struct {
	Kind      string
	Text      string
	Caption   string
	MediaURL  string
	AdContext map[string]interface{}
}

// adAttribution is the flattened externalAdReply block.
type adAttribution struct {
	ConversionSource string
	SourceID         string
	SourceType       string
	SourceURL        string
	CtwaClid         string
	Title            string
	Body             string
	ThumbnailURL     string
	IsAd             bool
}

// messageExtractor reads one known provider message sub-type.
type messageExtractor struct {
	key     string
	kind    string
	extract func(sub map[string]interface{}) messageContent
}

// messageExtractors is checked in priority order when the event carries no
// explicit messageType.
var messageExtractors = []messageExtractor{
	{key: "conversation", kind: "text", extract: nil},
	{key: "extendedTextMessage", kind: "text", extract: func(sub map[string]interface{}) messageContent {
		return messageContent{Kind: "text", Text: stringField(sub, "text"), AdContext: contextInfoOf(sub)}
	}},
	{key: "imageMessage", kind: "image", extract: mediaExtractor("image")},
	{key: "videoMessage", kind: "video", extract: mediaExtractor("video")},
	{key: "documentMessage", kind: "document", extract: mediaExtractor("document")},
	{key: "stickerMessage", kind: "sticker", extract: mediaExtractor("sticker")},
	{key: "audioMessage", kind: "audio", extract: mediaExtractor("audio")},
	{key: "buttonsResponseMessage", kind: "buttonsResponse", extract: func(sub map[string]interface{}) messageContent {
		return messageContent{Kind: "buttonsResponse", Text: stringField(sub, "selectedDisplayText"), AdContext: contextInfoOf(sub)}
	}},
	{key: "listResponseMessage", kind: "listResponse", extract: func(sub map[string]interface{}) messageContent {
		return messageContent{Kind: "listResponse", Text: stringField(sub, "title"), AdContext: contextInfoOf(sub)}
	}},
}

func mediaExtractor(kind string) func(map[string]interface{}) messageContent {
	return func(sub map[string]interface{}) messageContent {
		return messageContent{
			Kind:      kind,
			Caption:   stringField(sub, "caption"),
			MediaURL:  stringField(sub, "url"),
			AdContext: contextInfoOf(sub),
		}
	}
}

// ExtractMessageContent resolves the message body as a tagged union over the
// known provider sub-types. The text fallback chain is plain conversation
// text, then extended-text body, then media caption.
func ExtractMessageContent(message map[string]interface{}) messageContent {
	if message == nil {
		return messageContent{Kind: "unknown"}
	}

	result := messageContent{Kind: "unknown"}
	for _, ext := range messageExtractors {
		raw, ok := message[ext.key]
		if !ok || raw == nil {
			continue
		}
		if ext.key == "conversation" {
			if text, ok := raw.(string); ok && text != "" {
				result.Kind = "text"
				result.Text = text
			}
			continue
		}
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		content := ext.extract(sub)
		if result.Kind == "unknown" {
			result.Kind = content.Kind
		}
		if result.Text == "" {
			result.Text = content.Text
		}
		if result.Caption == "" {
			result.Caption = content.Caption
		}
		if result.MediaURL == "" {
			result.MediaURL = content.MediaURL
		}
		if result.AdContext == nil {
			result.AdContext = content.AdContext
		}
	}
	if result.Text == "" {
		result.Text = result.Caption
	}
	return result
}

// ExtractAdAttribution probes for ad-click metadata: a contextInfo attached
// directly to the event data, or one nested inside the matched message
// sub-type.
func ExtractAdAttribution(data map[string]interface{}, content messageContent) adAttribution {
	ctx := contextInfoOf(data)
	if ctx == nil {
		ctx = content.AdContext
	}
	if ctx == nil {
		return adAttribution{}
	}

	attr := adAttribution{
		ConversionSource: stringField(ctx, "conversionSource"),
	}
	if reply, ok := ctx["externalAdReply"].(map[string]interface{}); ok {
		attr.SourceID = stringField(reply, "sourceId")
		attr.SourceType = stringField(reply, "sourceType")
		attr.SourceURL = stringField(reply, "sourceUrl")
		attr.CtwaClid = stringField(reply, "ctwaClid")
		attr.Title = stringField(reply, "title")
		attr.Body = stringField(reply, "body")
		attr.ThumbnailURL = stringField(reply, "thumbnailUrl")
	}
	attr.IsAd = attr.ConversionSource == adConversionSource || attr.SourceID != ""
	return attr
}

func (wc *WebhookController) handleMessagesUpsert(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}) {
	data := dataAsMap(env.Data)
	if data == nil {
		wc.Logger.Printf("webhook: messages.upsert for user %d has no data object", user.ID)
		wc.writeAudit(user, instance, env, raw, "", "", nil, nil)
		return
	}

	key, _ := data["key"].(map[string]interface{})
	wamid := stringField(key, "id")
	remoteJID := stringField(key, "remoteJid")
	remoteJIDAlt := stringField(key, "remoteJidAlt")
	addressingMode := stringField(key, "addressingMode")
	if addressingMode == "" {
		addressingMode = stringField(data, "addressingMode")
	}
	fromMe, _ := key["fromMe"].(bool)

	phone := utils.NormalizeJID(remoteJID, remoteJIDAlt, addressingMode)
	pushName := stringField(data, "pushName")

	message, _ := data["message"].(map[string]interface{})
	content := ExtractMessageContent(message)
	attribution := ExtractAdAttribution(data, content)

	messageType := stringField(data, "messageType")
	if messageType == "" {
		messageType = content.Kind
	}

	row := messageRow(env.Instance, instance, wamid, phone, fromMe, content, pushName, data)
	audit := wc.writeAudit(user, instance, env, raw, phone, pushName, row, nil)

	if wamid == "" {
		wc.Logger.Printf("webhook: messages.upsert for user %d has no message id, audit only", user.ID)
		return
	}

	direction := models.DirectionInbound
	if fromMe {
		direction = models.DirectionOutbound
	}

	redactedJSON, _ := json.Marshal(utils.RedactSecrets(data))

	msg := models.WhatsappMessage{
		UserID:            user.ID,
		ProviderMessageID: wamid,
		RemoteJID:         remoteJID,
		RemoteJIDAlt:      remoteJIDAlt,
		Phone:             phone,
		FromMe:            fromMe,
		Direction:         direction,
		MessageType:       messageType,
		Conversation:      content.Text,
		Caption:           content.Caption,
		MediaURL:          content.MediaURL,
		Timestamp:         timestampOf(data),
		PushName:          pushName,
		RawPayload:        string(redactedJSON),
		IsAd:              attribution.IsAd,
		ConversionSource:  attribution.ConversionSource,
		SourceID:          attribution.SourceID,
		SourceType:        attribution.SourceType,
		SourceURL:         attribution.SourceURL,
		CtwaClid:          attribution.CtwaClid,
		AdTitle:           attribution.Title,
		AdBody:            attribution.Body,
		AdThumbnailURL:    attribution.ThumbnailURL,
		HashedPhone:       utils.HashPII(phone),
	}
	if first, last := splitName(pushName); first != "" {
		msg.HashedFirstName = utils.HashPII(first)
		if last != "" {
			msg.HashedLastName = utils.HashPII(last)
		}
	}

	// wamid is the idempotency key: provider redelivery converges to one row
	err := wc.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_jid", "remote_jid_alt", "phone", "from_me", "direction",
			"message_type", "conversation", "caption", "media_url", "timestamp",
			"push_name", "raw_payload", "is_ad", "conversion_source", "source_id",
			"source_type", "source_url", "ctwa_clid", "ad_title", "ad_body",
			"ad_thumbnail_url", "hashed_phone", "hashed_first_name", "hashed_last_name",
			"updated_at",
		}),
	}).Create(&msg).Error
	if err != nil {
		wc.Logger.Printf("webhook: message upsert failed for wamid %s: %v", wamid, err)
		return
	}

	if phone != "" && !fromMe {
		if lead, err := wc.findOrCreateLead(user.ID, phone, pushName); err != nil {
			wc.Logger.Printf("webhook: lead auto-create failed for %s: %v", phone, err)
		} else if lead != nil {
			wc.DB.Model(&models.WhatsappMessage{}).
				Where("user_id = ? AND provider_message_id = ?", user.ID, wamid).
				Update("lead_id", lead.ID)
		}
	}

	wc.Hub.Emit(LiveEvent{UserID: user.ID, Kind: "messages.upsert", Phone: phone, MessageID: wamid})

	if audit != nil {
		wc.relayMessage(user, instance, audit, env.Instance, phone, row)
	}
}

func (wc *WebhookController) handleMessagesUpdate(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}) {
	items := dataAsSlice(env.Data)
	if len(items) == 0 {
		wc.writeAudit(user, instance, env, raw, "", "", nil, nil)
		return
	}

	wc.writeAudit(user, instance, env, raw, "", "", nil, nil)

	for _, item := range items {
		wamid := stringField(item, "keyId")
		if wamid == "" {
			if key, ok := item["key"].(map[string]interface{}); ok {
				wamid = stringField(key, "id")
			}
		}
		if wamid == "" {
			continue
		}

		status := MapDeliveryStatus(stringField(item, "status"))
		if status == nil {
			continue
		}

		result := wc.DB.Model(&models.WhatsappMessage{}).
			Where("user_id = ? AND provider_message_id = ?", user.ID, wamid).
			Update("status", *status)
		if result.Error != nil {
			wc.Logger.Printf("webhook: status update failed for wamid %s: %v", wamid, result.Error)
			continue
		}
		if result.RowsAffected == 0 {
			// Expected when the update outruns the upsert; the provider does
			// not guarantee event ordering
			wc.Logger.Printf("webhook: status update for unknown wamid %s (user %d)", wamid, user.ID)
		}

		wc.Hub.Emit(LiveEvent{UserID: user.ID, Kind: "messages.update", MessageID: wamid, Status: *status})
	}
}

func (wc *WebhookController) handleConnectionUpdate(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}) {
	data := dataAsMap(env.Data)
	state := stringField(data, "state")
	if state == "" {
		state = stringField(data, "status")
	}

	audit := wc.writeAudit(user, instance, env, raw, "", "", nil, nil)

	if state != "" {
		status := models.ClassifyState(state)
		instance.Status = status
		if status == models.InstanceStatusConnected {
			if instance.ConnectedAt == nil {
				instance.ConnectedAt = utils.Pointer(time.Now().UTC())
			}
		} else {
			instance.ConnectedAt = nil
		}
		instance.MergeMetadata(map[string]interface{}{
			"lastState": state,
			"stateAt":   time.Now().UTC().Format(time.RFC3339),
		})
		if err := wc.DB.Save(instance).Error; err != nil {
			wc.Logger.Printf("webhook: connection state save failed for %s: %v", instance.InstanceID, err)
		}
	}

	wc.Hub.Emit(LiveEvent{UserID: user.ID, Kind: "connection.update", Status: state})

	if audit != nil {
		wc.relayConnectionUpdate(user, instance, audit, state)
	}
}

func (wc *WebhookController) handleContacts(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}) {
	items := dataAsSlice(env.Data)
	if len(items) == 0 {
		wc.writeAudit(user, instance, env, raw, "", "", nil, nil)
		return
	}
	for _, item := range items {
		phone := utils.NormalizeJID(firstStringField(item, "remoteJid", "id"), "", "")
		wc.writeAudit(user, instance, env, raw, phone, stringField(item, "pushName"), item, func(audit *models.WebhookEvent) {
			audit.ProfilePictureURL = firstStringField(item, "profilePicUrl", "profilePictureUrl")
		})
	}
}

func (wc *WebhookController) handleChats(user *models.User, instance *models.EvolutionInstance, env webhookEnvelope, raw map[string]interface{}) {
	items := dataAsSlice(env.Data)
	if len(items) == 0 {
		wc.writeAudit(user, instance, env, raw, "", "", nil, nil)
		return
	}
	for _, item := range items {
		phone := utils.NormalizeJID(firstStringField(item, "remoteJid", "id"), "", "")
		wc.writeAudit(user, instance, env, raw, phone, stringField(item, "name"), item, func(audit *models.WebhookEvent) {
			if count, ok := item["unreadCount"].(float64); ok {
				audit.UnreadCount = utils.Pointer(int(count))
			}
		})
	}
}

// MapDeliveryStatus maps a provider status string onto the closed delivery
// status set. Unknown statuses map to nil and are skipped by callers.
func MapDeliveryStatus(status string) *string {
	if status == "" {
		return nil
	}
	if mapped, ok := config.AppConfig.StatusSynonyms[strings.ToUpper(status)]; ok {
		return utils.Pointer(mapped)
	}
	return nil
}

func (wc *WebhookController) findOrCreateLead(userID uint, phone, pushName string) (*models.Lead, error) {
	var lead models.Lead
	err := wc.DB.Where("user_id = ? AND contact = ?", userID, phone).First(&lead).Error
	if err == nil {
		return &lead, nil
	}

	name := pushName
	if name == "" {
		name = phone
	}
	lead = models.Lead{
		UserID:  userID,
		Name:    name,
		Contact: phone,
		Source:  "WhatsApp",
		Stage:   models.LeadStageNew,
		Score:   0,
	}
	if err := wc.DB.Create(&lead).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}

// messageRow builds the normalized "row" projection relayed to the
// automation endpoint.
func messageRow(instanceName string, instance *models.EvolutionInstance, wamid, phone string, fromMe bool, content messageContent, pushName string, data map[string]interface{}) map[string]interface{} {
	row := map[string]interface{}{
		"instance":     instanceName,
		"instanceId":   instance.InstanceID,
		"number":       phone,
		"id":           wamid,
		"fromMe":       fromMe,
		"conversation": content.Text,
		"messageType":  content.Kind,
		"name":         pushName,
	}
	if ts := timestampOf(data); ts != nil {
		row["timestamp"] = ts.Unix()
	}
	return row
}

func contextInfoOf(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	if ctx, ok := m["contextInfo"].(map[string]interface{}); ok {
		return ctx
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstStringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v := stringField(m, key); v != "" {
			return v
		}
	}
	return ""
}

// timestampOf converts the provider's seconds-since-epoch timestamp, which
// arrives as either a JSON number or a string.
func timestampOf(data map[string]interface{}) *time.Time {
	if data == nil {
		return nil
	}
	switch v := data["messageTimestamp"].(type) {
	case float64:
		if v > 0 {
			return utils.Pointer(time.Unix(int64(v), 0).UTC())
		}
	case string:
		if secs, err := json.Number(v).Int64(); err == nil && secs > 0 {
			return utils.Pointer(time.Unix(secs, 0).UTC())
		}
	case json.Number:
		if secs, err := v.Int64(); err == nil && secs > 0 {
			return utils.Pointer(time.Unix(secs, 0).UTC())
		}
	}
	return nil
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(strings.TrimSpace(full))
	if len(parts) == 0 {
		return "", ""
	}
	first = parts[0]
	if len(parts) > 1 {
		last = parts[len(parts)-1]
	}
	return first, last
}
