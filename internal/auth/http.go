// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds identity to context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// The signature/expiry check is stateless; the middleware then loads the
// identity and rejects tokens minted under a superseded generation, which
// is how a refresh-token replay invalidates outstanding access tokens.
func HTTPAuthMiddleware(identities IdentityStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			identityID, generation, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			identity, err := identities.GetIdentity(r.Context(), identityID)
			if err != nil {
				http.Error(w, `{"error":"identity not found"}`, http.StatusUnauthorized)
				return
			}

			if generation < identity.TokenGeneration {
				http.Error(w, `{"error":"token revoked"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{
				IdentityID: identity.ID,
				Subject:    identity.Subject,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
