// ABOUTME: JWT access token generation and verification for gateway requests
// ABOUTME: Uses HS256 signing with configurable secret and a generation claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for access token verification
type TokenVerifier interface {
	Verify(tokenString string) (identityID string, generation int64, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
// Verification is a pure signature and expiry check: no storage access.
// The "gen" claim carries the identity's token generation at mint time;
// the HTTP middleware compares it against the stored generation so that
// bumping the generation invalidates outstanding tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity ID from the "sub"
// claim and the token generation from the "gen" claim.
func (v *JWTVerifier) Verify(tokenString string) (identityID string, generation int64, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", 0, ErrExpiredToken
		}
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", 0, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", 0, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	genFloat, ok := claims["gen"].(float64)
	if !ok {
		return "", 0, fmt.Errorf("%w: gen", ErrMissingClaim)
	}

	return sub, int64(genFloat), nil
}

// Generate creates a new JWT access token for the given identity ID,
// minted under the given token generation, with expiration.
func (v *JWTVerifier) Generate(identityID string, generation int64, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identityID,
		"gen": generation,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
