package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EvolutionAPI is the stable internal surface over the WhatsApp provider's
// REST API. Controllers depend on this interface so tests can swap in fakes.
type EvolutionAPI interface {
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*InstanceCreated, error)
	GetQrCode(ctx context.Context, instanceID, phoneNumber string) (*QrCode, error)
	GetState(ctx context.Context, instanceID string) (*ConnectionState, error)
	Logout(ctx context.Context, instanceID string) error
	Delete(ctx context.Context, instanceID string) error
	FetchInstance(ctx context.Context, name, providerID string) (*InstanceSummary, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error)
	GetConversation(ctx context.Context, number string, opts ConversationOptions) ([]map[string]interface{}, error)
	ListChats(ctx context.Context, opts ConversationOptions) ([]map[string]interface{}, error)
}

// RouteStrategy picks the concrete provider path for operations whose correct
// endpoint shape is not reliably known in advance. Production uses the
// probing strategy; tests inject a fixed one.
type RouteStrategy interface {
	ResolveRoute(ctx context.Context, op string, candidates []string, probe func(ctx context.Context, tmpl string) bool) string
}

// Candidate path/parameter-name combinations for history lookups, tried in
// order. The first template that answers 2xx with an array body wins and is
// cached for the life of the process.
var (
	conversationRouteCandidates = []string{
		"/chat/findMessages/%s?number=%s",
		"/chat/findMessages/%s?remoteJid=%s",
		"/chat/fetchMessages/%s?number=%s",
		"/messages/find/%s?phone=%s",
	}
	chatsRouteCandidates = []string{
		"/chat/findChats/%s",
		"/chat/fetchChats/%s",
		"/chats/%s",
	}
)

// EvolutionClient talks to the Evolution provider. When no base URL or API
// key is configured it serves deterministic mock data instead so the rest of
// the system can be exercised without a live provider.
type EvolutionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry
	routes     RouteStrategy

	throttleMu sync.Mutex
	lastLogged map[string]time.Time
}

var _ EvolutionAPI = (*EvolutionClient)(nil)

// NewEvolutionClient builds a gateway. Pass a nil strategy for the default
// probing behavior.
func NewEvolutionClient(baseURL, apiKey string, routes RouteStrategy) *EvolutionClient {
	if routes == nil {
		routes = NewProbingRouteStrategy()
	}
	return &EvolutionClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logrus.WithField("component", "evolution"),
		routes:     routes,
		lastLogged: make(map[string]time.Time),
	}
}

// Mock reports whether the client is running without a configured provider.
func (c *EvolutionClient) Mock() bool {
	return c.baseURL == "" || c.apiKey == ""
}

// CreateInstance registers a new instance with the provider, binding the
// webhook subscription in the same call.
func (c *EvolutionClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*InstanceCreated, error) {
	if c.Mock() {
		return c.mockCreateInstance(req), nil
	}

	var raw map[string]interface{}
	if err := c.doRequest(ctx, http.MethodPost, "/instance/create", req, &raw); err != nil {
		return nil, err
	}

	created := &InstanceCreated{ID: req.InstanceName}
	if inst, ok := raw["instance"].(map[string]interface{}); ok {
		created.ProviderID = pickString(inst, "instanceId", "id")
		if name := pickString(inst, "instanceName", "name"); name != "" {
			created.ID = name
		}
	}
	if hash, ok := raw["hash"].(map[string]interface{}); ok {
		created.Token = pickString(hash, "apikey", "token")
	} else if token, ok := raw["hash"].(string); ok {
		created.Token = token
	}
	return created, nil
}

// GetQrCode fetches a fresh pairing QR for the instance.
func (c *EvolutionClient) GetQrCode(ctx context.Context, instanceID, phoneNumber string) (*QrCode, error) {
	if c.Mock() {
		return c.mockQrCode(instanceID), nil
	}

	path := "/instance/connect/" + instanceID
	if phoneNumber != "" {
		path += "?number=" + phoneNumber
	}

	var raw map[string]interface{}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	qr := &QrCode{
		Svg:         pickString(raw, "svg"),
		Base64:      pickString(raw, "base64"),
		Code:        pickString(raw, "code"),
		PairingCode: pickString(raw, "pairingCode"),
		Status:      pickString(raw, "status", "state"),
	}
	if count, ok := raw["count"].(float64); ok {
		qr.Count = int(count)
	}
	return qr, nil
}

// GetState reads the provider connection state, falling back to the legacy
// path shape on 404.
func (c *EvolutionClient) GetState(ctx context.Context, instanceID string) (*ConnectionState, error) {
	if c.Mock() {
		return &ConnectionState{State: "connected"}, nil
	}

	var raw map[string]interface{}
	err := c.doRequest(ctx, http.MethodGet, "/instance/connectionState/"+instanceID, nil, &raw)
	if IsEvolutionNotFound(err) {
		c.throttledLogf("state-fallback:"+instanceID, "connectionState 404 for %s, trying legacy path", instanceID)
		err = c.doRequest(ctx, http.MethodGet, "/instance/state/"+instanceID, nil, &raw)
	}
	if err != nil {
		return nil, err
	}

	// Some deployments nest the state under an "instance" object
	state := pickString(raw, "state", "status", "connectionStatus")
	if state == "" {
		if inst, ok := raw["instance"].(map[string]interface{}); ok {
			state = pickString(inst, "state", "status", "connectionStatus")
		}
	}
	return &ConnectionState{State: state, Message: pickString(raw, "message")}, nil
}

// Logout asks the provider to close the session. Tries the primary path, then
// the legacy shape; a 404 on the fallback is surfaced for the caller to treat
// as "already logged out".
func (c *EvolutionClient) Logout(ctx context.Context, instanceID string) error {
	if c.Mock() {
		return nil
	}

	err := c.doRequest(ctx, http.MethodDelete, "/instance/logout/"+instanceID, nil, nil)
	if IsEvolutionNotFound(err) {
		c.throttledLogf("logout-fallback:"+instanceID, "logout 404 for %s, trying legacy path", instanceID)
		err = c.doRequest(ctx, http.MethodDelete, "/instance/"+instanceID+"/logout", nil, nil)
	}
	return err
}

// Delete removes the instance on the provider side. Same fallback contract as
// Logout.
func (c *EvolutionClient) Delete(ctx context.Context, instanceID string) error {
	if c.Mock() {
		return nil
	}

	err := c.doRequest(ctx, http.MethodDelete, "/instance/"+instanceID+"/delete", nil, nil)
	if IsEvolutionNotFound(err) {
		c.throttledLogf("delete-fallback:"+instanceID, "delete 404 for %s, trying legacy path", instanceID)
		err = c.doRequest(ctx, http.MethodDelete, "/instance/delete/"+instanceID, nil, nil)
	}
	return err
}

// FetchInstance lists all provider instances and matches by name, id or
// token, since the provider has no direct-lookup endpoint. Returns nil when
// no entry matches.
func (c *EvolutionClient) FetchInstance(ctx context.Context, name, providerID string) (*InstanceSummary, error) {
	if c.Mock() {
		return c.mockInstanceSummary(name), nil
	}

	path := "/instance/fetchInstances"
	if providerID != "" {
		path += "?instanceId=" + providerID
	}

	var raw []map[string]interface{}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	for _, entry := range raw {
		// Evolution v2 wraps each entry in an "instance" object
		if inner, ok := entry["instance"].(map[string]interface{}); ok {
			entry = inner
		}
		summary := &InstanceSummary{
			ID:              pickString(entry, "instanceId", "id"),
			Name:            pickString(entry, "name"),
			InstanceName:    pickString(entry, "instanceName"),
			Token:           pickString(entry, "token", "apikey"),
			Status:          pickString(entry, "status"),
			ConnectionState: pickString(entry, "connectionStatus", "state"),
			Number:          pickString(entry, "number", "owner"),
			ProfileName:     pickString(entry, "profileName"),
			ProfilePicURL:   pickString(entry, "profilePicUrl"),
		}
		if summary.matches(name, providerID) {
			return summary, nil
		}
	}
	return nil, nil
}

func (s *InstanceSummary) matches(name, providerID string) bool {
	if name != "" && (s.Name == name || s.InstanceName == name || s.Token == name) {
		return true
	}
	if providerID != "" && s.ID == providerID {
		return true
	}
	return false
}

// SendMessage posts an outbound message through the provider.
func (c *EvolutionClient) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	if c.Mock() {
		return c.mockSendResult(req), nil
	}

	var raw map[string]interface{}
	if err := c.doRequest(ctx, http.MethodPost, "/messages/send", req, &raw); err != nil {
		return nil, err
	}

	result := &SendMessageResult{Status: pickString(raw, "status")}
	if key, ok := raw["key"].(map[string]interface{}); ok {
		result.ID = pickString(key, "id")
	}
	if result.ID == "" {
		result.ID = pickString(raw, "id", "messageId")
	}
	return result, nil
}

// GetConversation fetches message history for a contact, discovering the
// provider's actual endpoint shape on first use.
func (c *EvolutionClient) GetConversation(ctx context.Context, number string, opts ConversationOptions) ([]map[string]interface{}, error) {
	if c.Mock() {
		return c.mockConversation(number), nil
	}

	tmpl := c.routes.ResolveRoute(ctx, "conversation", conversationRouteCandidates, func(ctx context.Context, candidate string) bool {
		return c.probeArrayPath(ctx, fmt.Sprintf(candidate, opts.InstanceID, number))
	})

	var raw []map[string]interface{}
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf(tmpl, opts.InstanceID, number), nil, &raw); err != nil {
		return nil, err
	}
	return limitRows(raw, opts.Limit), nil
}

// ListChats lists the instance's chats, using the same route discovery as
// GetConversation.
func (c *EvolutionClient) ListChats(ctx context.Context, opts ConversationOptions) ([]map[string]interface{}, error) {
	if c.Mock() {
		return c.mockChats(), nil
	}

	tmpl := c.routes.ResolveRoute(ctx, "chats", chatsRouteCandidates, func(ctx context.Context, candidate string) bool {
		return c.probeArrayPath(ctx, fmt.Sprintf(candidate, opts.InstanceID))
	})

	var raw []map[string]interface{}
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf(tmpl, opts.InstanceID), nil, &raw); err != nil {
		return nil, err
	}
	return limitRows(raw, opts.Limit), nil
}

// probeArrayPath issues a lightweight GET and reports whether the response is
// a 2xx with an array-shaped body.
func (c *EvolutionClient) probeArrayPath(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false
	}
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var probe []interface{}
	return json.NewDecoder(resp.Body).Decode(&probe) == nil
}

func (c *EvolutionClient) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		evoErr := &EvolutionError{StatusCode: resp.StatusCode, Path: path, Body: string(respBody)}
		if resp.StatusCode == http.StatusNotFound {
			c.throttledLogf("404:"+path, "provider 404 on %s", path)
		} else {
			c.log.WithFields(logrus.Fields{"status": resp.StatusCode, "path": path}).Warn("provider request failed")
		}
		return evoErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode provider response from %s: %w", path, err)
		}
	}
	return nil
}

// throttledLogf logs at most once per 60 seconds per key, so repeated
// identical provider 404s do not flood the logs.
func (c *EvolutionClient) throttledLogf(key, format string, args ...interface{}) {
	c.throttleMu.Lock()
	last, seen := c.lastLogged[key]
	now := time.Now()
	if seen && now.Sub(last) < 60*time.Second {
		c.throttleMu.Unlock()
		return
	}
	c.lastLogged[key] = now
	c.throttleMu.Unlock()

	c.log.Warnf(format, args...)
}

func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func limitRows(rows []map[string]interface{}, limit int) []map[string]interface{} {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// ProbingRouteStrategy resolves a route by live probing once per operation
// and memoizing the winner. A cold cache just re-probes after restart.
type ProbingRouteStrategy struct {
	mu       sync.Mutex
	resolved map[string]string
}

func NewProbingRouteStrategy() *ProbingRouteStrategy {
	return &ProbingRouteStrategy{resolved: make(map[string]string)}
}

func (p *ProbingRouteStrategy) ResolveRoute(ctx context.Context, op string, candidates []string, probe func(ctx context.Context, tmpl string) bool) string {
	p.mu.Lock()
	if cached, ok := p.resolved[op]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	for _, candidate := range candidates {
		if probe(ctx, candidate) {
			p.mu.Lock()
			p.resolved[op] = candidate
			p.mu.Unlock()
			return candidate
		}
	}

	// Last resort: assume the primary shape
	return candidates[0]
}

// FixedRouteStrategy always answers with the configured template. Used in
// tests and for deployments whose endpoint shape is known.
type FixedRouteStrategy struct {
	Routes map[string]string
}

func (f *FixedRouteStrategy) ResolveRoute(_ context.Context, op string, candidates []string, _ func(ctx context.Context, tmpl string) bool) string {
	if tmpl, ok := f.Routes[op]; ok {
		return tmpl
	}
	return candidates[0]
}
