// ABOUTME: HTTP API handlers for credentials, chat dispatch, and SSE streaming
// ABOUTME: Maps service errors onto 401/403/404/429 and streams workflow chunks as SSE events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/parley-gateway/internal/admission"
	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/stream"
)

// LoginRequest is the JSON request body for POST /auth/login.
type LoginRequest struct {
	Subject string `json:"subject"`
	Secret  string `json:"secret"`
}

// RefreshRequest is the JSON request body for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is the JSON response for both credential endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

// ChatRequest is the JSON request body for POST /chat and POST /chat/stream.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse is the JSON response for POST /chat (buffered mode).
type ChatResponse struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	Response  string         `json:"response"`
	Error     string         `json:"error,omitempty"`
	Turns     []TurnResponse `json:"turns"`
}

// TurnResponse is one turn in message history responses.
type TurnResponse struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// MessagesResponse is the JSON response for GET /messages.
type MessagesResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []TurnResponse `json:"turns"`
}

// handleLogin handles POST /auth/login requests.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Subject == "" || req.Secret == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject and secret are required")
		return
	}

	pair, err := g.authService.Login(r.Context(), req.Subject, req.Secret)
	if errors.Is(err, auth.ErrUnauthenticated) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		g.logger.Error("login failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeTokenPair(w, pair)
}

// handleRefresh handles POST /auth/refresh requests. A replayed token gets
// the same 401 as an unknown one; the side effects happen server-side.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := g.authService.Refresh(r.Context(), req.RefreshToken)
	if errors.Is(err, auth.ErrInvalidRefreshToken) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err != nil {
		g.logger.Error("refresh failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeTokenPair(w, pair)
}

// writeTokenPair writes a token pair as a JSON response.
func (g *Gateway) writeTokenPair(w http.ResponseWriter, pair *auth.TokenPair) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.Format(time.RFC3339),
	})
}

// handleChat handles POST /chat requests (buffered mode). The whole run is
// collected and the final response returned as one JSON document.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.admit(w, authCtx.IdentityID) {
		return
	}

	resp, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		SessionID:  req.SessionID,
		IdentityID: authCtx.IdentityID,
		Message:    req.Message,
	})
	if err != nil {
		g.writeConversationError(w, err)
		return
	}

	result := stream.Collect(r.Context(), resp.Stream)

	chat := ChatResponse{
		SessionID: resp.SessionID,
		Status:    store.TurnStatusCancelled,
		Response:  result.Text,
	}
	if result.Terminal != nil {
		switch result.Terminal.Type {
		case stream.ChunkDone:
			chat.Status = store.TurnStatusOK
			chat.Response = result.Terminal.Text
		case stream.ChunkError:
			chat.Status = store.TurnStatusError
			chat.Error = result.Terminal.Err
		case stream.ChunkCancelled:
			chat.Status = store.TurnStatusCancelled
		}
	}

	// Turns are persisted before the terminal chunk is delivered, so the
	// run's full record is readable here.
	turns, err := g.conversation.GetHistory(r.Context(), authCtx.IdentityID, resp.SessionID)
	if err != nil {
		g.logger.Error("loading turns after run", "session_id", resp.SessionID, "error", err)
	}
	chat.Turns = toTurnResponses(turns)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chat)
}

// handleChatStream handles POST /chat/stream requests, emitting the run's
// chunks as SSE events. A "started" event carrying the session ID precedes
// the workflow output so clients can track new sessions.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.admit(w, authCtx.IdentityID) {
		return
	}

	// Check streaming support before dispatching (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	resp, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		SessionID:  req.SessionID,
		IdentityID: authCtx.IdentityID,
		Message:    req.Message,
	})
	if err != nil {
		g.writeConversationError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{"session_id": resp.SessionID})
	flusher.Flush()

	for chunk := range resp.Stream.Chunks() {
		event := chunkToSSEEvent(chunk)
		g.writeSSEEvent(w, event.Event, event.Data)
		flusher.Flush()

		if chunk.Terminal() {
			return
		}
	}
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// chunkToSSEEvent converts a workflow chunk to an SSE event.
func chunkToSSEEvent(chunk *stream.Chunk) SSEEvent {
	switch chunk.Type {
	case stream.ChunkText:
		return SSEEvent{
			Event: "text",
			Data:  map[string]string{"text": chunk.Text},
		}
	case stream.ChunkToolUse:
		return SSEEvent{
			Event: "tool_use",
			Data: map[string]string{
				"id":         chunk.ToolID,
				"name":       chunk.ToolName,
				"input_json": chunk.InputJSON,
			},
		}
	case stream.ChunkToolResult:
		return SSEEvent{
			Event: "tool_result",
			Data: map[string]interface{}{
				"id":       chunk.ToolID,
				"output":   chunk.Output,
				"is_error": chunk.IsError,
			},
		}
	case stream.ChunkDone:
		return SSEEvent{
			Event: "done",
			Data:  map[string]string{"full_response": chunk.Text},
		}
	case stream.ChunkError:
		return SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": chunk.Err},
		}
	case stream.ChunkCancelled:
		return SSEEvent{
			Event: "cancelled",
			Data:  map[string]string{},
		}
	default:
		return SSEEvent{
			Event: "unknown",
			Data:  map[string]string{"text": chunk.Text},
		}
	}
}

// handleMessages handles GET /messages?session_id=X requests, returning the
// ordered turn history for a session owned by the caller.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	turns, err := g.conversation.GetHistory(r.Context(), authCtx.IdentityID, sessionID)
	if err != nil {
		g.writeConversationError(w, err)
		return
	}

	response := MessagesResponse{
		SessionID: sessionID,
		Turns:     toTurnResponses(turns),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func toTurnResponses(turns []*store.Turn) []TurnResponse {
	out := make([]TurnResponse, len(turns))
	for i, t := range turns {
		out[i] = TurnResponse{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			Status:    t.Status,
			CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return out
}

// admit takes a rate-limit token for the identity. On rejection it writes
// a 429 with a Retry-After header and returns false.
func (g *Gateway) admit(w http.ResponseWriter, identityID string) bool {
	err := g.limiter.TryAcquire(identityID)
	if err == nil {
		return true
	}

	var rateErr *admission.RateLimitError
	if errors.As(err, &rateErr) {
		seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		g.sendJSONError(w, http.StatusTooManyRequests, rateErr.Error())
		return false
	}

	g.logger.Error("admission check failed", "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	return false
}

// writeConversationError maps conversation and store errors onto HTTP status codes.
func (g *Gateway) writeConversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "session belongs to another identity")
	case errors.Is(err, store.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Message == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
