package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/storage"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	api       *API
	validator *auth.JWTValidator
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	authConfig := auth.DefaultConfig()
	authConfig.Secret = "fiber-test-secret"
	validator, err := auth.NewJWTValidator(authConfig)
	require.NoError(t, err)

	journal, err := storage.NewStorage(storage.Config{Type: storage.MemoryStorage})
	require.NoError(t, err)

	n := notifier.NewNotifier(notifier.DefaultConfig(), validator, notifier.WithRecorder(journal))

	api := NewAPI(Config{Addr: ":9999"}, domain.Services{
		Broadcaster: n,
		Journal:     journal,
		Validator:   validator,
	})

	t.Cleanup(func() {
		_ = n.Shutdown(context.Background())
		_ = journal.Shutdown(context.Background())
	})

	return &testEnv{api: api, validator: validator}
}

func (e *testEnv) token(t *testing.T, userID string, role proto.Role) string {
	t.Helper()
	token, err := e.validator.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.api.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func TestAPIDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, ":8080", config.Addr)
}

func TestAPIEmptyConfig(t *testing.T) {
	api := NewAPI(Config{}, domain.Services{})
	assert.Equal(t, ":8080", api.config.Addr)
	assert.Equal(t, DefaultConfig().RequestTimeout, api.config.RequestTimeout)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := env.api.App().Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", string(body))
	}

	resp, err := env.api.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "storepulse_")
}

func TestStreamRequiresUpgrade(t *testing.T) {
	env := setupTestAPI(t)

	resp, err := env.api.App().Test(httptest.NewRequest(http.MethodGet, "/stream", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestPublishAuthorization(t *testing.T) {
	env := setupTestAPI(t)
	body := proto.PublishEventRequest{Kind: proto.KindContentUpdate}

	status, resp := env.do(t, http.MethodPost, "/events", "", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing", resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)

	status, _ = env.do(t, http.MethodPost, "/events", env.token(t, "s1", proto.RoleSupport), body)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp = env.do(t, http.MethodPost, "/events", env.token(t, "a1", proto.RoleAdmin), body)
	assert.Equal(t, http.StatusAccepted, status)
	assert.True(t, resp.Success)
}

func TestPublishValidation(t *testing.T) {
	env := setupTestAPI(t)
	admin := env.token(t, "a1", proto.RoleAdmin)

	status, resp := env.do(t, http.MethodPost, "/events", admin, proto.PublishEventRequest{Kind: proto.KindChatMessage})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_event", resp.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{")))
	req.Header.Set("Authorization", "Bearer "+admin)
	httpResp, err := env.api.App().Test(req, -1)
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
}

func TestPollingLifecycle(t *testing.T) {
	env := setupTestAPI(t)
	admin := env.token(t, "a1", proto.RoleAdmin)

	status, resp := env.do(t, http.MethodPost, "/stream/poll", "", proto.PollHandshakeRequest{Token: env.token(t, "a2", proto.RoleAdmin)})
	require.Equal(t, http.StatusCreated, status)

	var opened proto.PollHandshakeResponse
	require.NoError(t, json.Unmarshal(resp.Data, &opened))
	assert.Equal(t, proto.RoleAdmin, opened.Role)

	// Admins see untargeted new orders
	status, _ = env.do(t, http.MethodPost, "/events", admin, proto.PublishEventRequest{
		Kind:    proto.KindNewOrder,
		Payload: json.RawMessage(`{"order_id":1}`),
	})
	require.Equal(t, http.StatusAccepted, status)

	status, resp = env.do(t, http.MethodGet, "/stream/poll/"+opened.ConnectionId+"?wait=1", "", nil)
	require.Equal(t, http.StatusOK, status)

	var polled proto.PollResponse
	require.NoError(t, json.Unmarshal(resp.Data, &polled))
	require.Len(t, polled.Frames, 1)

	var frame proto.Frame
	require.NoError(t, json.Unmarshal(polled.Frames[0], &frame))
	assert.Equal(t, proto.KindNewOrder, frame.Kind)

	status, _ = env.do(t, http.MethodGet, "/stats", admin, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/stream/poll/"+opened.ConnectionId, "", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, resp = env.do(t, http.MethodGet, "/stream/poll/"+opened.ConnectionId+"?wait=0", "", nil)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "gone", resp.Error.Type)
}

func TestListEvents(t *testing.T) {
	env := setupTestAPI(t)
	admin := env.token(t, "a1", proto.RoleAdmin)

	status, _ := env.do(t, http.MethodPost, "/events", admin, proto.PublishEventRequest{Kind: proto.KindLowStockAlert})
	require.Equal(t, http.StatusAccepted, status)

	status, resp := env.do(t, http.MethodGet, "/events", admin, nil)
	require.Equal(t, http.StatusOK, status)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "low_stock_alert", events[0]["kind"])

	status, _ = env.do(t, http.MethodGet, "/events?limit=0", admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
