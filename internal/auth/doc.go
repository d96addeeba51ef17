// Package auth provides credential validation for parley-gateway.
//
// # Access Tokens
//
// Clients authenticate with short-lived JWT access tokens signed with
// HS256 using the configured jwt_secret. Verification is a pure
// signature/expiry check with no storage access.
//
// Every token carries a "gen" claim: the identity's token generation at
// mint time. The HTTP middleware compares it against the stored
// generation, so bumping the generation revokes outstanding tokens
// without introducing a token denylist.
//
// # Refresh Tokens
//
// Refresh tokens are opaque 256-bit random strings. The server stores
// only a SHA-256 hash, with single-use semantics: consuming a token
// rotates it, and replaying a consumed token is treated as theft
// evidence — the identity's token generation is bumped and all stored
// refresh tokens for the identity are revoked.
//
// # Request Context
//
// The HTTP middleware attaches an AuthContext to the request context;
// handlers retrieve it with FromContext.
package auth
