package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModeWithoutCredentials(t *testing.T) {
	client := NewEvolutionClient("", "", nil)
	assert.True(t, client.Mock())

	ctx := context.Background()

	state, err := client.GetState(ctx, "any")
	require.NoError(t, err)
	assert.Equal(t, "connected", state.State)

	result, err := client.SendMessage(ctx, SendMessageRequest{Number: "5511999999999", Text: "oi"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)

	rows, err := client.GetConversation(ctx, "5511999999999", ConversationOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, client.Logout(ctx, "any"))
	require.NoError(t, client.Delete(ctx, "any"))
}

func TestGetStateFallsBackToLegacyPathOn404(t *testing.T) {
	var legacyHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		switch r.URL.Path {
		case "/instance/connectionState/inst-1":
			w.WriteHeader(http.StatusNotFound)
		case "/instance/state/inst-1":
			atomic.AddInt32(&legacyHits, 1)
			json.NewEncoder(w).Encode(map[string]string{"state": "open"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "test-key", nil)
	state, err := client.GetState(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "open", state.State)
	assert.EqualValues(t, 1, atomic.LoadInt32(&legacyHits))
}

func TestGetStateReadsNestedInstanceObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"instance": map[string]interface{}{"state": "connecting"},
		})
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "k", nil)
	state, err := client.GetState(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "connecting", state.State)
}

func TestLogoutFallsBackToLegacyPathOn404(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/instance/logout/inst-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "k", nil)
	require.NoError(t, client.Logout(context.Background(), "inst-1"))
	assert.Equal(t, []string{"/instance/logout/inst-1", "/instance/inst-1/logout"}, paths)
}

func TestProviderErrorCarriesStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream broken"}`))
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "k", nil)
	_, err := client.GetQrCode(context.Background(), "inst-1", "")
	require.Error(t, err)

	var evoErr *EvolutionError
	require.ErrorAs(t, err, &evoErr)
	assert.Equal(t, http.StatusBadGateway, evoErr.StatusCode)
	assert.Contains(t, evoErr.Body, "upstream broken")
	assert.False(t, IsEvolutionNotFound(err))
}

func TestIsEvolutionNotFound(t *testing.T) {
	assert.True(t, IsEvolutionNotFound(&EvolutionError{StatusCode: 404}))
	assert.False(t, IsEvolutionNotFound(&EvolutionError{StatusCode: 500}))
	assert.False(t, IsEvolutionNotFound(nil))
	assert.False(t, IsEvolutionNotFound(context.Canceled))
}

func TestFetchInstanceMatchesByNameAndProviderID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"instance": map[string]interface{}{
				"instanceName": "clinic-01",
				"instanceId":   "prov-1",
				"state":        "open",
				"profileName":  "Clinica Sorriso",
			}},
			{"instanceName": "clinic-02", "id": "prov-2"},
		})
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "k", nil)

	summary, err := client.FetchInstance(context.Background(), "clinic-01", "")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "prov-1", summary.ID)
	assert.Equal(t, "Clinica Sorriso", summary.ProfileName)

	summary, err = client.FetchInstance(context.Background(), "", "prov-2")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "clinic-02", summary.InstanceName)

	summary, err = client.FetchInstance(context.Background(), "missing", "")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestConversationRouteProbingCachesWinningPath(t *testing.T) {
	var probeFirst, hitSecond int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/findMessages/inst-1":
			atomic.AddInt32(&probeFirst, 1)
			w.WriteHeader(http.StatusNotFound)
		case "/chat/fetchMessages/inst-1":
			if r.URL.Query().Get("number") != "" {
				atomic.AddInt32(&hitSecond, 1)
				json.NewEncoder(w).Encode([]map[string]interface{}{{"conversation": "oi"}})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewEvolutionClient(server.URL, "k", nil)
	opts := ConversationOptions{InstanceID: "inst-1", Limit: 10}

	rows, err := client.GetConversation(context.Background(), "5511999999999", opts)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	firstProbe := atomic.LoadInt32(&probeFirst)
	assert.Greater(t, firstProbe, int32(0))

	// second call reuses the memoized route without re-probing the losers;
	// the winner was hit twice on the first call (probe + fetch) and once here
	_, err = client.GetConversation(context.Background(), "5511999999999", opts)
	require.NoError(t, err)
	assert.Equal(t, firstProbe, atomic.LoadInt32(&probeFirst))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hitSecond))
}

func TestFixedRouteStrategy(t *testing.T) {
	strategy := &FixedRouteStrategy{Routes: map[string]string{"chats": "/custom/%s"}}

	got := strategy.ResolveRoute(context.Background(), "chats", chatsRouteCandidates, nil)
	assert.Equal(t, "/custom/%s", got)

	got = strategy.ResolveRoute(context.Background(), "conversation", conversationRouteCandidates, nil)
	assert.Equal(t, conversationRouteCandidates[0], got)
}

func TestLimitRows(t *testing.T) {
	rows := []map[string]interface{}{{"a": 1}, {"b": 2}, {"c": 3}}
	assert.Len(t, limitRows(rows, 2), 2)
	assert.Len(t, limitRows(rows, 0), 3)
	assert.Len(t, limitRows(rows, 10), 3)
}
