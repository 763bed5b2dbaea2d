package server

import (
	"context"
	"errors"
	"time"
)

// UserRecord represents a stored user account.
//
// FederatedSentinel occupies PasswordHash for accounts created through a
// federated provider; such accounts have no local password and the local
// verifier never runs a hash comparison against the sentinel.
type UserRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Never expose in JSON
	Secret       string    `json:"-"` // Owner-only; served by the secrets handler
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionRecord represents an active user session. Only the user ID is
// persisted alongside the token; the principal is re-resolved per request.
type SessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"` // The actual token
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// FederatedSentinel is the placeholder stored in the password hash column
// for accounts that only ever signed in through Google. It is not a bcrypt
// hash, so it can never validate a local login.
const FederatedSentinel = "federated-google"

// HasLocalPassword reports whether the record carries a real bcrypt hash
// rather than a federated sentinel. bcrypt output always starts with "$2".
func (u UserRecord) HasLocalPassword() bool {
	return len(u.PasswordHash) > 2 && u.PasswordHash[:2] == "$2"
}

// Sentinel errors for auth store operations.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrInvalidCredential = errors.New("invalid credentials")
)

// AuthStore defines the interface for user and session persistence.
type AuthStore interface {
	// CreateUser adds a new user record. The store enforces email
	// uniqueness and returns ErrUserExists on violation.
	CreateUser(ctx context.Context, rec UserRecord) error

	// GetUserByEmail retrieves a user by email address.
	GetUserByEmail(ctx context.Context, email string) (UserRecord, bool, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (UserRecord, bool, error)

	// UpdateSecret replaces the secret text of the user with the given ID.
	UpdateSecret(ctx context.Context, userID, secret string) error

	// CreateSession creates a new session for a user.
	CreateSession(ctx context.Context, sess SessionRecord) error

	// GetSessionByToken retrieves a session by token. Expired sessions
	// yield ErrSessionExpired.
	GetSessionByToken(ctx context.Context, token string) (SessionRecord, bool, error)

	// DeleteSession removes a session by ID.
	DeleteSession(ctx context.Context, id string) error

	// DeleteUserSessions removes all sessions for a user.
	DeleteUserSessions(ctx context.Context, userID string) error

	// CleanExpiredSessions removes all expired sessions.
	CleanExpiredSessions(ctx context.Context) error

	// Close releases the underlying database handle, if owned.
	Close() error
}
