package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicrm/config"
	"clinicrm/models"
)

func TestExtractMessageContentConversation(t *testing.T) {
	content := ExtractMessageContent(map[string]interface{}{
		"conversation": "Oi, tudo bem?",
	})
	assert.Equal(t, "text", content.Kind)
	assert.Equal(t, "Oi, tudo bem?", content.Text)
	assert.Empty(t, content.MediaURL)
}

func TestExtractMessageContentExtendedText(t *testing.T) {
	content := ExtractMessageContent(map[string]interface{}{
		"extendedTextMessage": map[string]interface{}{
			"text": "link body",
		},
	})
	assert.Equal(t, "text", content.Kind)
	assert.Equal(t, "link body", content.Text)
}

func TestExtractMessageContentImageCaptionFallback(t *testing.T) {
	content := ExtractMessageContent(map[string]interface{}{
		"imageMessage": map[string]interface{}{
			"url":     "https://cdn.example.com/a.jpg",
			"caption": "antes e depois",
		},
	})
	assert.Equal(t, "image", content.Kind)
	assert.Equal(t, "https://cdn.example.com/a.jpg", content.MediaURL)
	assert.Equal(t, "antes e depois", content.Caption)
	// caption fills the text fallback chain
	assert.Equal(t, "antes e depois", content.Text)
}

func TestExtractMessageContentUnknown(t *testing.T) {
	content := ExtractMessageContent(map[string]interface{}{
		"somethingNew": map[string]interface{}{},
	})
	assert.Equal(t, "unknown", content.Kind)

	content = ExtractMessageContent(nil)
	assert.Equal(t, "unknown", content.Kind)
}

func TestExtractAdAttributionFromNestedSubtype(t *testing.T) {
	message := map[string]interface{}{
		"imageMessage": map[string]interface{}{
			"caption": "promo",
			"contextInfo": map[string]interface{}{
				"conversionSource": "FB_Ads",
				"externalAdReply": map[string]interface{}{
					"sourceId":     "123456",
					"sourceType":   "ad",
					"sourceUrl":    "https://fb.me/ad",
					"ctwaClid":     "clid-1",
					"title":        "Clareamento",
					"body":         "Agende hoje",
					"thumbnailUrl": "https://cdn.example.com/t.jpg",
				},
			},
		},
	}
	content := ExtractMessageContent(message)
	attr := ExtractAdAttribution(map[string]interface{}{}, content)

	assert.True(t, attr.IsAd)
	assert.Equal(t, "FB_Ads", attr.ConversionSource)
	assert.Equal(t, "123456", attr.SourceID)
	assert.Equal(t, "clid-1", attr.CtwaClid)
	assert.Equal(t, "Clareamento", attr.Title)
}

func TestExtractAdAttributionSourceIDAloneMarksAd(t *testing.T) {
	attr := ExtractAdAttribution(map[string]interface{}{
		"contextInfo": map[string]interface{}{
			"externalAdReply": map[string]interface{}{
				"sourceId": "789",
			},
		},
	}, messageContent{})
	assert.True(t, attr.IsAd)
	assert.Equal(t, "789", attr.SourceID)
}

func TestExtractAdAttributionAbsent(t *testing.T) {
	attr := ExtractAdAttribution(map[string]interface{}{}, messageContent{})
	assert.False(t, attr.IsAd)
	assert.Empty(t, attr.SourceID)
}

func TestMapDeliveryStatus(t *testing.T) {
	testConfig()

	for raw, want := range map[string]string{
		"READ":         models.MessageStatusRead,
		"DELIVERY_ACK": models.MessageStatusDelivered,
		"SERVER_ACK":   models.MessageStatusDelivered,
		"sent":         models.MessageStatusSent,
		"ERROR":        models.MessageStatusFailed,
	} {
		got := MapDeliveryStatus(raw)
		require.NotNil(t, got, raw)
		assert.Equal(t, want, *got, raw)
	}

	assert.Nil(t, MapDeliveryStatus(""))
	assert.Nil(t, MapDeliveryStatus("SOMETHING_ELSE"))
}

func TestMapDeliveryStatusHonorsConfiguredSynonyms(t *testing.T) {
	testConfig()
	config.AppConfig.StatusSynonyms["PLAYED"] = models.MessageStatusRead
	defer delete(config.AppConfig.StatusSynonyms, "PLAYED")

	got := MapDeliveryStatus("played")
	require.NotNil(t, got)
	assert.Equal(t, models.MessageStatusRead, *got)
}

func TestTimestampOfHandlesNumberAndString(t *testing.T) {
	want := time.Unix(1700000000, 0).UTC()

	ts := timestampOf(map[string]interface{}{"messageTimestamp": float64(1700000000)})
	require.NotNil(t, ts)
	assert.Equal(t, want, *ts)

	ts = timestampOf(map[string]interface{}{"messageTimestamp": "1700000000"})
	require.NotNil(t, ts)
	assert.Equal(t, want, *ts)

	assert.Nil(t, timestampOf(map[string]interface{}{}))
	assert.Nil(t, timestampOf(nil))
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Maria da Silva")
	assert.Equal(t, "Maria", first)
	assert.Equal(t, "Silva", last)

	first, last = splitName("Maria")
	assert.Equal(t, "Maria", first)
	assert.Empty(t, last)

	first, last = splitName("  ")
	assert.Empty(t, first)
	assert.Empty(t, last)
}

func TestLiveHubEmitReachesSubscriber(t *testing.T) {
	hub := NewLiveHub()
	ch := hub.Subscribe(7)
	defer hub.Unsubscribe(7, ch)

	hub.Emit(LiveEvent{UserID: 7, Kind: "messages.upsert", MessageID: "wamid.1"})
	hub.Emit(LiveEvent{UserID: 9, Kind: "messages.upsert", MessageID: "wamid.other"})

	select {
	case event := <-ch:
		assert.Equal(t, "wamid.1", event.MessageID)
	case <-time.After(time.Second):
		t.Fatal("expected a live event")
	}

	select {
	case event := <-ch:
		t.Fatalf("unexpected cross-tenant event %+v", event)
	default:
	}
}
