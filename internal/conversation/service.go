// ABOUTME: ConversationService is the central layer for turn persistence and run execution
// ABOUTME: All turns flow through here - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/stream"
	"github.com/2389/parley-gateway/internal/workflow"
)

// ErrForbidden is returned when an identity touches a session it does not own.
var ErrForbidden = errors.New("session belongs to another identity")

// Bounded retry policy for turn persistence. After the retries are
// exhausted the failure surfaces as store.ErrStorageUnavailable.
const (
	appendMaxAttempts = 3
	appendBackoffBase = 100 * time.Millisecond
	saveTimeout       = 5 * time.Second
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	AppendTurn(ctx context.Context, turn *store.Turn) (int64, error)
	ListTurns(ctx context.Context, sessionID string) ([]*store.Turn, error)
}

// Service is the central conversation layer. It owns sessions, holds the
// per-session execution lock for the duration of a run, and ensures every
// turn is persisted: the user message before the engine starts, tool
// results as they complete, and the final response when the run reaches a
// terminal state.
type Service struct {
	store         ConversationStore
	engine        *workflow.Engine
	locks         *sessionLocks
	historyWindow int
	logger        *slog.Logger
}

// New creates a conversation service. historyWindow caps how many of the
// newest turns are handed to the planner; zero means no cap. Pass nil
// logger for default.
func New(s ConversationStore, engine *workflow.Engine, historyWindow int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         s,
		engine:        engine,
		locks:         newSessionLocks(),
		historyWindow: historyWindow,
		logger:        logger.With("component", "conversation"),
	}
}

// SendRequest contains everything needed to process one user message
type SendRequest struct {
	// SessionID is optional; empty creates a fresh session for the identity.
	SessionID  string
	IdentityID string
	Message    string
}

// SendResponse contains the result of dispatching a message
type SendResponse struct {
	SessionID string
	// Stream delivers the run's chunks in production order; turns are
	// persisted as a side effect before the stream closes.
	Stream *stream.Stream
}

// SendMessage resolves the session, records the user turn, and starts the
// workflow run. The per-session lock is acquired before planning begins
// and released only after the final turn is persisted (or the run is
// cancelled or fails).
//
// Key principle: record first, then act. The user message is saved
// BEFORE the engine starts, so history has a record even if the run fails.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	session, err := s.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	s.locks.Acquire(session.ID)
	released := false
	defer func() {
		if !released {
			s.locks.Release(session.ID)
		}
	}()

	// 1. Record the user turn first
	userTurn := &store.Turn{
		SessionID: session.ID,
		Role:      store.RoleUser,
		Content:   req.Message,
		Status:    store.TurnStatusOK,
	}
	if err := s.appendWithRetry(ctx, userTurn); err != nil {
		return nil, err
	}

	// 2. Load history for the planner (excluding the turn just appended)
	turns, err := s.store.ListTurns(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := s.toHistory(turns, userTurn.Seq)

	// 3. Run the engine; the pump persists and forwards its chunks
	engineStream := stream.New()
	out := stream.New()
	run := workflow.NewRun(uuid.New().String(), session.ID, history, req.Message, engineStream)

	go func() {
		s.engine.Execute(ctx, run)
	}()

	released = true // ownership moves to the pump goroutine
	go s.pump(ctx, session.ID, engineStream, out)

	return &SendResponse{SessionID: session.ID, Stream: out}, nil
}

// GetHistory returns the ordered turn history for a session, scoped to
// the authenticated identity.
func (s *Service) GetHistory(ctx context.Context, identityID, sessionID string) ([]*store.Turn, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IdentityID != identityID {
		return nil, ErrForbidden
	}
	return s.store.ListTurns(ctx, sessionID)
}

// resolveSession loads the referenced session (verifying ownership) or
// creates a fresh identity-scoped one.
func (s *Service) resolveSession(ctx context.Context, req *SendRequest) (*store.Session, error) {
	if req.SessionID != "" {
		session, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.IdentityID != req.IdentityID {
			return nil, ErrForbidden
		}
		return session, nil
	}

	now := time.Now()
	session := &store.Session{
		ID:           uuid.New().String(),
		IdentityID:   req.IdentityID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.logger.Debug("session created", "session_id", session.ID, "identity_id", req.IdentityID)
	return session, nil
}

// toHistory converts stored turns into planner messages, truncated to the
// newest historyWindow turns. userSeq excludes the just-appended user turn.
func (s *Service) toHistory(turns []*store.Turn, userSeq int64) []workflow.Message {
	var history []workflow.Message
	for _, t := range turns {
		if t.Seq == userSeq {
			continue
		}
		history = append(history, workflow.Message{Role: t.Role, Content: t.Content})
	}
	if s.historyWindow > 0 && len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}
	return history
}

// pump reads engine chunks, persists turns, and forwards chunks to the
// caller's stream. It owns the session lock and releases it after the
// final turn is persisted. Only chunks actually flushed to the caller
// count toward the persisted response, so a cancelled run never persists
// output produced after the cancel signal was observed.
func (s *Service) pump(ctx context.Context, sessionID string, in, out *stream.Stream) {
	defer s.locks.Release(sessionID)
	defer out.Close()

	var flushed string
	var pendingCall *stream.Chunk
	forwarding := true
	terminalSeen := false

	for chunk := range in.Chunks() {
		// Persist before forwarding so a caller that re-reads history on
		// the terminal chunk sees the turn already recorded. Only flushed
		// text counts toward the persisted response, so a cancelled run
		// never records output produced after the cancel was observed.
		switch chunk.Type {
		case stream.ChunkToolUse:
			pendingCall = chunk

		case stream.ChunkToolResult:
			s.persistToolTurn(sessionID, pendingCall, chunk)
			pendingCall = nil

		case stream.ChunkDone:
			s.persistFinalTurn(sessionID, flushed, store.TurnStatusOK)
			terminalSeen = true

		case stream.ChunkError:
			s.persistFinalTurn(sessionID, flushed, store.TurnStatusError)
			terminalSeen = true

		case stream.ChunkCancelled:
			s.persistFinalTurn(sessionID, flushed, store.TurnStatusCancelled)
			terminalSeen = true
		}

		if forwarding {
			if err := out.Publish(ctx, chunk); err != nil {
				s.logger.Debug("caller gone, draining run", "session_id", sessionID)
				forwarding = false
			} else if chunk.Type == stream.ChunkText {
				flushed += chunk.Text
			}
		}
	}

	// The engine closed the stream without a terminal chunk: the caller
	// disconnected before the cancelled marker fit in the buffer. The
	// flushed prefix is still the record of what the client saw.
	if !terminalSeen {
		s.persistFinalTurn(sessionID, flushed, store.TurnStatusCancelled)
	}
}

// persistToolTurn saves one completed tool invocation as a tool turn.
func (s *Service) persistToolTurn(sessionID string, call, result *stream.Chunk) {
	record := map[string]any{
		"id":       result.ToolID,
		"output":   result.Output,
		"is_error": result.IsError,
	}
	if call != nil {
		record["name"] = call.ToolName
		record["input"] = json.RawMessage(call.InputJSON)
	}
	content, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to encode tool turn", "session_id", sessionID, "error", err)
		return
	}

	s.saveTurn(&store.Turn{
		SessionID: sessionID,
		Role:      store.RoleTool,
		Content:   string(content),
		Status:    store.TurnStatusOK,
	})
}

// persistFinalTurn saves the run's agent turn with its terminal status.
// A cancelled run that flushed nothing leaves no agent turn; a failed run
// always leaves its terminal-failure marker.
func (s *Service) persistFinalTurn(sessionID, content, status string) {
	if content == "" && status != store.TurnStatusError {
		return
	}
	s.saveTurn(&store.Turn{
		SessionID: sessionID,
		Role:      store.RoleAgent,
		Content:   content,
		Status:    status,
	})
}

// saveTurn persists a turn with a separate timeout context so persistence
// survives request cancellation, retrying on storage errors.
func (s *Service) saveTurn(turn *store.Turn) {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := s.appendWithRetry(saveCtx, turn); err != nil {
		s.logger.Error("failed to save turn",
			"error", err,
			"session_id", turn.SessionID,
			"role", turn.Role)
		return
	}
	s.logger.Debug("turn saved",
		"session_id", turn.SessionID,
		"seq", turn.Seq,
		"role", turn.Role,
		"status", turn.Status)
}

// appendWithRetry appends a turn, retrying transient storage failures a
// bounded number of times with backoff. SessionNotFound is not retried.
func (s *Service) appendWithRetry(ctx context.Context, turn *store.Turn) error {
	var lastErr error
	backoff := appendBackoffBase

	for attempt := 1; attempt <= appendMaxAttempts; attempt++ {
		_, err := s.store.AppendTurn(ctx, turn)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrSessionNotFound) {
			return err
		}
		lastErr = err

		s.logger.Warn("turn append failed, retrying",
			"session_id", turn.SessionID,
			"attempt", attempt,
			"error", err)

		if attempt < appendMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, lastErr)
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, lastErr)
}
