// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Identity: authenticated principal with a bcrypt secret hash and a
//     token generation counter used to invalidate outstanding access tokens
//   - RefreshToken: server-side, single-use record of an opaque refresh
//     token (hash only)
//   - Session: ordered conversation owned by one identity
//   - Turn: one immutable unit of conversation; sequence numbers are
//     strictly increasing and gap-free within a session
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrSessionNotFound: referenced session does not exist
//   - ErrRefreshTokenConsumed: refresh token replayed
//   - ErrStorageUnavailable: database unreachable after bounded retries
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for tests.
package store
