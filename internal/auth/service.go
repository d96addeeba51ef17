// ABOUTME: Credential service implementing login and single-use refresh token rotation
// ABOUTME: Replayed refresh tokens invalidate every outstanding token for the identity

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/parley-gateway/internal/store"
)

// Service errors
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// IdentityStore defines what the credential service needs from storage
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*store.Identity, error)
	GetIdentityBySubject(ctx context.Context, subject string) (*store.Identity, error)
	BumpTokenGeneration(ctx context.Context, identityID string) (int64, error)
	SaveRefreshToken(ctx context.Context, token *store.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*store.RefreshToken, error)
	ConsumeRefreshToken(ctx context.Context, id string) error
	RevokeRefreshTokens(ctx context.Context, identityID string) error
}

// TokenPair is an access/refresh token pair issued to a client
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Service issues and rotates credentials. Access tokens are short-lived
// signed JWTs; refresh tokens are opaque, stored server-side by hash, and
// strictly single-use.
type Service struct {
	store      IdentityStore
	verifier   *JWTVerifier
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewService creates a credential service. Pass nil logger for default.
func NewService(s IdentityStore, verifier *JWTVerifier, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		verifier:   verifier,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger.With("component", "auth"),
	}
}

// Login verifies the subject's secret and issues a fresh token pair.
// Returns ErrUnauthenticated for unknown subjects or wrong secrets.
func (s *Service) Login(ctx context.Context, subject, secret string) (*TokenPair, error) {
	identity, err := s.store.GetIdentityBySubject(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a bcrypt comparison so unknown subjects take as long as
		// wrong secrets.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(secret))
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(identity.SecretHash), []byte(secret)); err != nil {
		return nil, ErrUnauthenticated
	}

	pair, err := s.issuePair(ctx, identity.ID, identity.TokenGeneration)
	if err != nil {
		return nil, err
	}

	s.logger.Info("login succeeded", "identity_id", identity.ID, "subject", subject)
	return pair, nil
}

// Refresh consumes a refresh token and issues a rotated pair.
//
// A replayed (already-consumed) token is treated as theft evidence: the
// identity's token generation is bumped, which rejects all outstanding
// access tokens, and every stored refresh token for the identity is
// revoked. The caller always sees ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	rec, err := s.store.GetRefreshTokenByHash(ctx, hashToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}

	if rec.ConsumedAt != nil {
		return nil, s.handleReplay(ctx, rec.IdentityID)
	}

	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	if err := s.store.ConsumeRefreshToken(ctx, rec.ID); err != nil {
		if errors.Is(err, store.ErrRefreshTokenConsumed) {
			// Lost the race against a concurrent use of the same token.
			return nil, s.handleReplay(ctx, rec.IdentityID)
		}
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}

	identity, err := s.store.GetIdentity(ctx, rec.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	pair, err := s.issuePair(ctx, identity.ID, identity.TokenGeneration)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("refresh token rotated", "identity_id", identity.ID)
	return pair, nil
}

// handleReplay invalidates all tokens for the identity after a refresh
// token replay and returns ErrInvalidRefreshToken.
func (s *Service) handleReplay(ctx context.Context, identityID string) error {
	s.logger.Warn("refresh token replay detected, revoking all tokens", "identity_id", identityID)

	if _, err := s.store.BumpTokenGeneration(ctx, identityID); err != nil {
		s.logger.Error("failed to bump token generation after replay", "identity_id", identityID, "error", err)
	}
	if err := s.store.RevokeRefreshTokens(ctx, identityID); err != nil {
		s.logger.Error("failed to revoke refresh tokens after replay", "identity_id", identityID, "error", err)
	}

	return ErrInvalidRefreshToken
}

// issuePair mints an access token under the given generation and stores a
// new single-use refresh token.
func (s *Service) issuePair(ctx context.Context, identityID string, generation int64) (*TokenPair, error) {
	accessToken, err := s.verifier.Generate(identityID, generation, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}

	refreshToken, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	now := time.Now()
	rec := &store.RefreshToken{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		TokenHash:  hashToken(refreshToken),
		ExpiresAt:  now.Add(s.refreshTTL),
		CreatedAt:  now,
	}
	if err := s.store.SaveRefreshToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(s.accessTTL),
	}, nil
}

// HashSecret hashes an identity secret for storage
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// newRefreshToken generates an opaque 256-bit refresh token
func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashToken returns the hex-encoded SHA-256 of a refresh token.
// Only the hash touches storage.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
