// ABOUTME: Tests for the HTTP API: credentials, chat, streaming, history, and admission
// ABOUTME: Exercises handlers through the full middleware stack

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/config"
)

// doJSON sends an authenticated JSON request through the gateway mux.
func doJSON(t *testing.T, gw *Gateway, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleLogin(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")

	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.ExpiresAt)
}

func TestHandleLoginWrongSecret(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")

	rec := doJSON(t, gw, http.MethodPost, "/auth/login", "", `{"subject":"alice","secret":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLoginMissingFields(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := doJSON(t, gw, http.MethodPost, "/auth/login", "", `{"subject":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/auth/login", "", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefresh(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rotated))
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token is rejected and revokes everything.
	rec = doJSON(t, gw, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+rotated.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatRequiresAuth(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := doJSON(t, gw, http.MethodPost, "/chat", "", `{"message":"hello"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatBuffered(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":"ping"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var chat ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chat))
	assert.NotEmpty(t, chat.SessionID)
	assert.Equal(t, "ok", chat.Status)
	assert.Equal(t, "You said: ping", chat.Response)

	require.Len(t, chat.Turns, 2)
	assert.Equal(t, "user", chat.Turns[0].Role)
	assert.Equal(t, "agent", chat.Turns[1].Role)

	// The same turns are readable through the history endpoint.
	rec = doJSON(t, gw, http.MethodGet, "/messages?session_id="+chat.SessionID, pair.AccessToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var messages MessagesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&messages))
	require.Len(t, messages.Turns, 2)
	assert.Equal(t, "user", messages.Turns[0].Role)
	assert.Equal(t, "ping", messages.Turns[0].Content)
	assert.Equal(t, "agent", messages.Turns[1].Role)
	assert.Equal(t, "You said: ping", messages.Turns[1].Content)
}

func TestHandleChatContinuesSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var first ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&first))

	rec = doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken,
		`{"session_id":"`+first.SessionID+`","message":"two"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&second))

	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestHandleChatEmptyMessage(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatUnknownSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken,
		`{"session_id":"missing","message":"hello"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleChatForbiddenSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	createTestIdentity(t, gw, "mallory")

	alicePair := loginTestIdentity(t, gw, "alice", "test-secret-alice")
	malloryPair := loginTestIdentity(t, gw, "mallory", "test-secret-mallory")

	rec := doJSON(t, gw, http.MethodPost, "/chat", alicePair.AccessToken, `{"message":"mine"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var chat ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chat))

	rec = doJSON(t, gw, http.MethodPost, "/chat", malloryPair.AccessToken,
		`{"session_id":"`+chat.SessionID+`","message":"theirs"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/messages?session_id="+chat.SessionID, malloryPair.AccessToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleChatRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission = config.AdmissionConfig{
		Capacity:        1,
		RefillPerSecond: 0.5,
		BucketIdleTTL:   time.Minute,
	}
	gw := newTestGateway(t, cfg)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Contains(t, errResp["error"], "rate limited")
}

func TestRateLimitIsPerIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission = config.AdmissionConfig{
		Capacity:        1,
		RefillPerSecond: 0.1,
		BucketIdleTTL:   time.Minute,
	}
	gw := newTestGateway(t, cfg)
	createTestIdentity(t, gw, "alice")
	createTestIdentity(t, gw, "bob")

	alicePair := loginTestIdentity(t, gw, "alice", "test-secret-alice")
	bobPair := loginTestIdentity(t, gw, "bob", "test-secret-bob")

	rec := doJSON(t, gw, http.MethodPost, "/chat", alicePair.AccessToken, `{"message":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, gw, http.MethodPost, "/chat", alicePair.AccessToken, `{"message":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Bob's bucket is untouched by Alice's exhaustion.
	rec = doJSON(t, gw, http.MethodPost, "/chat", bobPair.AccessToken, `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleChatStream(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat/stream", pair.AccessToken, `{"message":"hello world"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, `"session_id"`)
	assert.Contains(t, body, "event: text")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"full_response":"You said: hello world"`)

	// The terminal event is last.
	assert.True(t, strings.Index(body, "event: text") < strings.Index(body, "event: done"))
}

func TestHandleChatStreamPersistsTurns(t *testing.T) {
	gw := newTestGateway(t, nil)
	identityID, _ := createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodPost, "/chat/stream", pair.AccessToken, `{"message":"persist me"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Extract session_id from the started event.
	body := rec.Body.String()
	start := strings.Index(body, `{"session_id":"`)
	require.GreaterOrEqual(t, start, 0)
	rest := body[start+len(`{"session_id":"`):]
	sessionID := rest[:strings.Index(rest, `"`)]

	turns, err := gw.conversation.GetHistory(context.Background(), identityID, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "persist me", turns[0].Content)
	assert.Equal(t, "You said: persist me", turns[1].Content)
}

func TestHandleMessagesMissingParam(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodGet, "/messages", pair.AccessToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessagesUnknownSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodGet, "/messages?session_id=missing", pair.AccessToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	rec := doJSON(t, gw, http.MethodGet, "/chat", pair.AccessToken, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/messages", pair.AccessToken, `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/auth/login", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRevokedTokenRejected(t *testing.T) {
	gw := newTestGateway(t, nil)
	createTestIdentity(t, gw, "alice")
	pair := loginTestIdentity(t, gw, "alice", "test-secret-alice")

	// Refresh twice with the same token: the replay bumps the generation.
	rec := doJSON(t, gw, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, gw, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The access token minted before the replay no longer works.
	rec = doJSON(t, gw, http.MethodPost, "/chat", pair.AccessToken, `{"message":"hello"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token revoked")
}
