package controller

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"clinicrm/config"
	"clinicrm/models"
	"clinicrm/utils"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// a pooled second connection would see a different in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func testConfig() {
	config.AppConfig.SendRateLimit = 30
	config.AppConfig.StatusSynonyms = map[string]string{
		"READ":         models.MessageStatusRead,
		"DELIVERED":    models.MessageStatusDelivered,
		"DELIVERY_ACK": models.MessageStatusDelivered,
		"SERVER_ACK":   models.MessageStatusDelivered,
		"SENT":         models.MessageStatusSent,
		"ERROR":        models.MessageStatusFailed,
		"FAILED":       models.MessageStatusFailed,
	}
	config.AppConfig.Webhook.Secret = ""
	config.AppConfig.Webhook.AutomationURL = ""
	config.AppConfig.Webhook.OutboundContentType = "application/json"
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST: ", log.LstdFlags)
}

func createTestUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := &models.User{
		Email:        email,
		PasswordHash: "x",
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createTestInstance(t *testing.T, db *gorm.DB, userID uint, instanceID string, meta map[string]interface{}) *models.EvolutionInstance {
	t.Helper()
	instance := &models.EvolutionInstance{
		UserID:     userID,
		InstanceID: instanceID,
		Status:     models.InstanceStatusConnected,
	}
	if meta != nil {
		instance.MergeMetadata(meta)
	}
	require.NoError(t, db.Create(instance).Error)
	return instance
}

// fakeEvo is an in-memory EvolutionAPI for controller tests.
type fakeEvo struct {
	mu sync.Mutex

	state       string
	stateErr    error
	sendErr     error
	sendCalls   int
	logoutCalls int
	deleteCalls int
}

var _ utils.EvolutionAPI = (*fakeEvo)(nil)

func (f *fakeEvo) CreateInstance(ctx context.Context, req utils.CreateInstanceRequest) (*utils.InstanceCreated, error) {
	return &utils.InstanceCreated{ID: req.InstanceName, Token: "fake-token"}, nil
}

func (f *fakeEvo) GetQrCode(ctx context.Context, instanceID, phoneNumber string) (*utils.QrCode, error) {
	return &utils.QrCode{Base64: "data:image/png;base64,QQ==", Code: "qr-" + instanceID, Status: "connecting"}, nil
}

func (f *fakeEvo) GetState(ctx context.Context, instanceID string) (*utils.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &utils.ConnectionState{State: f.state}, nil
}

func (f *fakeEvo) Logout(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return nil
}

func (f *fakeEvo) Delete(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeEvo) FetchInstance(ctx context.Context, name, providerID string) (*utils.InstanceSummary, error) {
	return &utils.InstanceSummary{InstanceName: name, ConnectionState: f.state}, nil
}

func (f *fakeEvo) SendMessage(ctx context.Context, req utils.SendMessageRequest) (*utils.SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &utils.SendMessageResult{ID: "provider-" + req.Number, Status: "PENDING"}, nil
}

func (f *fakeEvo) GetConversation(ctx context.Context, number string, opts utils.ConversationOptions) ([]map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeEvo) ListChats(ctx context.Context, opts utils.ConversationOptions) ([]map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeEvo) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func newTestWebhookController(t *testing.T, db *gorm.DB) *WebhookController {
	t.Helper()
	wc := NewWebhookController(db, NewLiveHub(), testLogger())
	wc.RelayBackoff = time.Millisecond
	return wc
}

func newTestApp(wc *WebhookController) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks/evolution", wc.HandleEvolution)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
