package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clinicrm/models"
)

func newTestMessageController(db *gorm.DB, evo *fakeEvo) *MessageController {
	return &MessageController{
		DB:         db,
		Logger:     testLogger(),
		Evo:        evo,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		RateLimit:  30,
		RateWindow: time.Minute,
		buckets:    make(map[uint]*rateBucket),
	}
}

func TestDispatchSendsTextMessage(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	createTestInstance(t, db, user.ID, "clinic-01", nil)
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	outcome, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone: "+55 (11) 99999-9999",
		Text:  "Bom dia",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", outcome.Status)
	assert.Equal(t, 1, evo.sendCount())

	var msg models.WhatsappMessage
	require.NoError(t, db.Where("provider_message_id = ?", outcome.ID).First(&msg).Error)
	assert.Equal(t, "5511999999999", msg.Phone)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	require.NotNil(t, msg.Status)
	assert.Equal(t, models.MessageStatusSent, *msg.Status)
}

func TestDispatchRejectsShortPhone(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	_, err := mc.Dispatch(context.Background(), user, SendInput{Phone: "12345", Text: "oi"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, evo.sendCount())

	var count int64
	db.Model(&models.WhatsappMessage{}).Count(&count)
	assert.EqualValues(t, 0, count)
}

func TestDispatchRateLimitsThirtyFirstSend(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	createTestInstance(t, db, user.ID, "clinic-01", nil)
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	for i := 0; i < 30; i++ {
		_, err := mc.Dispatch(context.Background(), user, SendInput{
			Phone: "5511999990000",
			Text:  "msg " + strconv.Itoa(i),
		})
		require.NoError(t, err)
	}

	_, err := mc.Dispatch(context.Background(), user, SendInput{Phone: "5511999990000", Text: "one too many"})
	require.ErrorIs(t, err, ErrRateLimited)

	// the rejected call made no provider call and persisted no row
	assert.Equal(t, 30, evo.sendCount())
	var count int64
	db.Model(&models.WhatsappMessage{}).Where("user_id = ?", user.ID).Count(&count)
	assert.EqualValues(t, 30, count)
}

func TestDispatchRateLimitIsPerTenant(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	userA := createTestUser(t, db, "a@example.com")
	userB := createTestUser(t, db, "b@example.com")
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)
	mc.RateLimit = 2

	for i := 0; i < 2; i++ {
		_, err := mc.Dispatch(context.Background(), userA, SendInput{Phone: "5511999990000", Text: "a"})
		require.NoError(t, err)
	}
	_, err := mc.Dispatch(context.Background(), userA, SendInput{Phone: "5511999990000", Text: "a"})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = mc.Dispatch(context.Background(), userB, SendInput{Phone: "5511999990000", Text: "b"})
	require.NoError(t, err)
}

func TestDispatchRejectsOversizedMedia(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(11<<20))
	}))
	defer server.Close()

	_, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone:    "5511999990000",
		MediaURL: server.URL + "/big.jpg",
		Caption:  "too big",
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	// provider never invoked; provisional row ends FAILED
	assert.Equal(t, 0, evo.sendCount())
	var msg models.WhatsappMessage
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&msg).Error)
	require.NotNil(t, msg.Status)
	assert.Equal(t, models.MessageStatusFailed, *msg.Status)
}

func TestDispatchRejectsUnsupportedMediaType(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	}))
	defer server.Close()

	_, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone:    "5511999990000",
		MediaURL: server.URL + "/page.html",
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, evo.sendCount())
}

func TestDispatchAcceptsValidMedia(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	createTestInstance(t, db, user.ID, "clinic-01", nil)
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(2<<20))
	}))
	defer server.Close()

	outcome, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone:    "5511999990000",
		MediaURL: server.URL + "/photo.png",
		Caption:  "resultado",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", outcome.Status)
	assert.Equal(t, 1, evo.sendCount())
}

func TestDispatchProviderFailureIsSoft(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	createTestInstance(t, db, user.ID, "clinic-01", nil)
	evo := &fakeEvo{sendErr: errors.New("provider down")}
	mc := newTestMessageController(db, evo)

	outcome, err := mc.Dispatch(context.Background(), user, SendInput{Phone: "5511999990000", Text: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome.Status)

	var msg models.WhatsappMessage
	require.NoError(t, db.Where("provider_message_id = ?", outcome.ID).First(&msg).Error)
	require.NotNil(t, msg.Status)
	assert.Equal(t, models.MessageStatusFailed, *msg.Status)
}

func TestDispatchIsIdempotentPerClientMessageID(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	createTestInstance(t, db, user.ID, "clinic-01", nil)
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	first, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone:           "5511999990000",
		Text:            "oi",
		ClientMessageID: "api-idem-1",
	})
	require.NoError(t, err)

	second, err := mc.Dispatch(context.Background(), user, SendInput{
		Phone:           "5511999990000",
		Text:            "oi",
		ClientMessageID: "api-idem-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, evo.sendCount())

	var count int64
	db.Model(&models.WhatsappMessage{}).Where("user_id = ?", user.ID).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestDispatchClientMessageIDIsScopedPerTenant(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	userA := createTestUser(t, db, "a@example.com")
	userB := createTestUser(t, db, "b@example.com")
	createTestInstance(t, db, userA.ID, "clinic-a", nil)
	createTestInstance(t, db, userB.ID, "clinic-b", nil)
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	input := SendInput{Phone: "5511999990000", Text: "oi", ClientMessageID: "shared-token"}

	first, err := mc.Dispatch(context.Background(), userA, input)
	require.NoError(t, err)
	second, err := mc.Dispatch(context.Background(), userB, input)
	require.NoError(t, err)

	// same token, different tenants: two rows, two distinct derived ids
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, evo.sendCount())

	var count int64
	db.Model(&models.WhatsappMessage{}).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestGeneratedClientIDHasPrefix(t *testing.T) {
	testConfig()
	db := newTestDB(t)
	user := createTestUser(t, db, "clinic@example.com")
	evo := &fakeEvo{}
	mc := newTestMessageController(db, evo)

	outcome, err := mc.Dispatch(context.Background(), user, SendInput{Phone: "5511999990000", Text: "oi"})
	require.NoError(t, err)
	assert.Contains(t, outcome.ID, clientMessageIDPrefix)
}
