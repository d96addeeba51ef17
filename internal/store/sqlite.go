// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides identity/session/turn persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: foreign_keys and busy_timeout are per-connection
	// pragmas, and one writer means appends never see SQLITE_BUSY from
	// our own pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			token_generation INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			consumed_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (identity_id) REFERENCES identities(id)
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_identity
			ON refresh_tokens(identity_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			FOREIGN KEY (identity_id) REFERENCES identities(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_identity
			ON sessions(identity_id);

		CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ok',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateIdentity inserts a new identity.
// Returns ErrDuplicateIdentity if the subject is already taken.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, identity *Identity) error {
	query := `
		INSERT INTO identities (id, subject, secret_hash, token_generation, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		identity.ID,
		identity.Subject,
		identity.SecretHash,
		identity.TokenGeneration,
		identity.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Debug("created identity", "id", identity.ID, "subject", identity.Subject)
	return nil
}

// GetIdentity retrieves an identity by ID.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	query := `
		SELECT id, subject, secret_hash, token_generation, created_at
		FROM identities
		WHERE id = ?
	`
	return s.scanIdentity(s.db.QueryRowContext(ctx, query, id))
}

// GetIdentityBySubject retrieves an identity by its unique subject.
// Returns ErrNotFound if no identity has the subject.
func (s *SQLiteStore) GetIdentityBySubject(ctx context.Context, subject string) (*Identity, error) {
	query := `
		SELECT id, subject, secret_hash, token_generation, created_at
		FROM identities
		WHERE subject = ?
	`
	return s.scanIdentity(s.db.QueryRowContext(ctx, query, subject))
}

func (s *SQLiteStore) scanIdentity(row *sql.Row) (*Identity, error) {
	var identity Identity
	var createdAtStr string

	err := row.Scan(
		&identity.ID,
		&identity.Subject,
		&identity.SecretHash,
		&identity.TokenGeneration,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	identity.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &identity, nil
}

// BumpTokenGeneration increments the identity's token generation and
// returns the new value.
func (s *SQLiteStore) BumpTokenGeneration(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET token_generation = token_generation + 1 WHERE id = ?`,
		identityID,
	)
	if err != nil {
		return 0, fmt.Errorf("bumping token generation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking affected rows: %w", err)
	}
	if rows == 0 {
		return 0, ErrNotFound
	}

	var gen int64
	err = s.db.QueryRowContext(ctx,
		`SELECT token_generation FROM identities WHERE id = ?`, identityID,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("reading token generation: %w", err)
	}

	s.logger.Debug("token generation bumped", "identity_id", identityID, "generation", gen)
	return gen, nil
}

// SaveRefreshToken inserts a refresh token record
func (s *SQLiteStore) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, identity_id, token_hash, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.IdentityID,
		token.TokenHash,
		token.ExpiresAt.UTC().Format(time.RFC3339),
		token.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash retrieves a refresh token record by its hash.
// Returns ErrNotFound if no record matches.
func (s *SQLiteStore) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT id, identity_id, token_hash, expires_at, consumed_at, created_at
		FROM refresh_tokens
		WHERE token_hash = ?
	`

	var token RefreshToken
	var expiresAtStr, createdAtStr string
	var consumedAtStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.IdentityID,
		&token.TokenHash,
		&expiresAtStr,
		&consumedAtStr,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	token.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	token.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if consumedAtStr.Valid {
		consumedAt, err := time.Parse(time.RFC3339, consumedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing consumed_at: %w", err)
		}
		token.ConsumedAt = &consumedAt
	}

	return &token, nil
}

// ConsumeRefreshToken marks a refresh token consumed. The update only
// matches unconsumed rows, so a concurrent or repeated consume reports
// ErrRefreshTokenConsumed.
func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("consuming refresh token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if rows == 0 {
		return ErrRefreshTokenConsumed
	}
	return nil
}

// RevokeRefreshTokens deletes all refresh tokens for an identity
func (s *SQLiteStore) RevokeRefreshTokens(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE identity_id = ?`, identityID,
	)
	if err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	s.logger.Debug("refresh tokens revoked", "identity_id", identityID)
	return nil
}

// CreateSession inserts a new session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, identity_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.IdentityID,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.LastActiveAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "identity_id", session.IdentityID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, identity_id, created_at, last_active_at
		FROM sessions
		WHERE id = ?
	`

	var session Session
	var createdAtStr, lastActiveAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.IdentityID,
		&createdAtStr,
		&lastActiveAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}

	return &session, nil
}

// AppendTurn assigns the next sequence number for the session, persists
// the turn, touches the session's last_active_at, and returns the
// assigned sequence number. The whole operation runs in one transaction;
// the (session_id, seq) primary key guards against gaps or duplicates
// slipping in under a racing writer.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ?`, turn.SessionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking session: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, turn.SessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("computing next sequence: %w", err)
	}

	now := turn.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, role, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID,
		seq,
		turn.Role,
		turn.Content,
		turn.Status,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting turn: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339),
		turn.SessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing turn: %w", err)
	}

	turn.Seq = seq
	turn.CreatedAt = now
	s.logger.Debug("turn appended", "session_id", turn.SessionID, "seq", seq, "role", turn.Role)
	return seq, nil
}

// ListTurns returns all turns for a session in sequence order.
// Returns ErrSessionNotFound if the session doesn't exist.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}

	query := `
		SELECT session_id, seq, role, content, status, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		var createdAtStr string
		if err := rows.Scan(
			&turn.SessionID,
			&turn.Seq,
			&turn.Role,
			&turn.Content,
			&turn.Status,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}

	return turns, nil
}
