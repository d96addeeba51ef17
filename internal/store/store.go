// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Identity, Session, Turn structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSessionNotFound is returned when a referenced session does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrDuplicateIdentity is returned when creating an identity whose subject is taken
var ErrDuplicateIdentity = errors.New("identity already exists")

// ErrRefreshTokenConsumed is returned when consuming an already-consumed refresh token
var ErrRefreshTokenConsumed = errors.New("refresh token already consumed")

// ErrStorageUnavailable is returned when the database cannot be reached
// after bounded retries. Callers surface it as a fatal turn failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Identity represents an authenticated principal
type Identity struct {
	ID         string
	Subject    string
	SecretHash string
	// TokenGeneration invalidates outstanding access tokens when bumped.
	// Tokens carry the generation they were minted under.
	TokenGeneration int64
	CreatedAt       time.Time
}

// RefreshToken is the server-side record of an opaque refresh token.
// Only a SHA-256 hash of the token is stored. Single-use: ConsumedAt is
// set on first use and a second use is a replay.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Session is an ordered conversation owned by one identity
type Session struct {
	ID           string
	IdentityID   string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Turn role constants
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleTool  = "tool"
)

// Turn status constants. Status marks how the producing run ended;
// user turns are always TurnStatusOK.
const (
	TurnStatusOK        = "ok"
	TurnStatusError     = "error"
	TurnStatusCancelled = "cancelled"
)

// Turn is one immutable unit of conversation within a session.
// Seq is assigned by AppendTurn and is strictly increasing and gap-free
// within a session.
type Turn struct {
	SessionID string
	Seq       int64
	Role      string
	Content   string
	Status    string
	CreatedAt time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityBySubject(ctx context.Context, subject string) (*Identity, error)
	// BumpTokenGeneration increments the identity's token generation and
	// returns the new value. Outstanding access tokens minted under the
	// old generation become invalid.
	BumpTokenGeneration(ctx context.Context, identityID string) (int64, error)

	// Refresh tokens
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// ConsumeRefreshToken marks the token consumed. Returns
	// ErrRefreshTokenConsumed if it was already consumed.
	ConsumeRefreshToken(ctx context.Context, id string) error
	RevokeRefreshTokens(ctx context.Context, identityID string) error

	// Sessions and turns
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// AppendTurn assigns the next sequence number for the session, persists
	// the turn, and returns the assigned sequence number. Returns
	// ErrSessionNotFound if the session does not exist.
	AppendTurn(ctx context.Context, turn *Turn) (int64, error)
	// ListTurns returns all turns for a session in sequence order.
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Close releases any resources held by the store
	Close() error
}
