package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const authPostgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	secret TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// PostgresStoreConfig configures a Postgres-backed auth store.
type PostgresStoreConfig struct {
	// DSN is a postgres:// connection URL.
	DSN string
}

// PostgresStore persists user and session records in PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against cfg.DSN, verifies
// connectivity, and applies the auth schema.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("auth postgres store dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("auth postgres store parse config: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(openCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("auth postgres store create pool: %w", err)
	}
	if err := pool.Ping(openCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth postgres store ping: %w", err)
	}

	if _, err := pool.Exec(openCtx, authPostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth postgres store create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// CreateUser adds a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, rec UserRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, email, password_hash, secret, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID,
		strings.ToLower(rec.Email),
		rec.PasswordHash,
		textOrNil(rec.Secret),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("auth postgres store create user: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email address.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (UserRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, email, password_hash, COALESCE(secret, ''), created_at, updated_at
FROM users
WHERE email = $1`, strings.ToLower(email))
	return scanPostgresUser(row)
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (UserRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, email, password_hash, COALESCE(secret, ''), created_at, updated_at
FROM users
WHERE id = $1`, id)
	return scanPostgresUser(row)
}

// UpdateSecret replaces the secret of the user with the given ID.
func (s *PostgresStore) UpdateSecret(ctx context.Context, userID, secret string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE users
SET secret = $1, updated_at = $2
WHERE id = $3`,
		textOrNil(secret), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("auth postgres store update secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateSession creates a new session for a user.
func (s *PostgresStore) CreateSession(ctx context.Context, sess SessionRecord) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (id, user_id, token, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.UserID, sess.Token, sess.ExpiresAt.UTC(), sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("auth postgres store create session: %w", err)
	}
	return nil
}

// GetSessionByToken retrieves a session by token.
func (s *PostgresStore) GetSessionByToken(ctx context.Context, token string) (SessionRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, token, expires_at, created_at
FROM sessions
WHERE token = $1`, token)

	var sess SessionRecord
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("auth postgres store get session: %w", err)
	}

	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return SessionRecord{}, false, ErrSessionExpired
	}
	return sess, true, nil
}

// DeleteSession removes a session by ID.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("auth postgres store delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteUserSessions removes all sessions for a user.
func (s *PostgresStore) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("auth postgres store delete user sessions: %w", err)
	}
	return nil
}

// CleanExpiredSessions removes all expired sessions.
func (s *PostgresStore) CleanExpiredSessions(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("auth postgres store clean expired sessions: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresUser(row pgx.Row) (UserRecord, bool, error) {
	var rec UserRecord
	err := row.Scan(&rec.ID, &rec.Email, &rec.PasswordHash, &rec.Secret, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserRecord{}, false, nil
		}
		return UserRecord{}, false, fmt.Errorf("auth postgres store scan user: %w", err)
	}
	return rec, true, nil
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ AuthStore = (*PostgresStore)(nil)
