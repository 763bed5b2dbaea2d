package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SessionDuration defines how long a session is valid.
	SessionDuration = 7 * 24 * time.Hour // 7 days

	// AuthCookieName is the name of the session cookie.
	AuthCookieName = "hushnote_session"

	// bcryptCost fixes the hashing work factor for local passwords.
	bcryptCost = 10

	// minPasswordLength is the registration password policy.
	minPasswordLength = 8
)

// dummyHash is compared against on the unknown-email path so a login probe
// costs the same whether or not the account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("hushnote-timing-pad"), bcryptCost)

// credentialsRequest is the JSON body for POST /login and POST /register.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// principalResponse is the public user data returned in auth responses.
type principalResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionResponse is the JSON response for successful login/registration.
type sessionResponse struct {
	User  principalResponse `json:"user"`
	Token string            `json:"token"`
}

// handleLogin authenticates an (email, password) pair and creates a session.
//
// Every failure mode — unknown email, federated-only account, hash error,
// wrong password — produces the same externally observable outcome so the
// response never reveals which half of the pair was wrong.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password, isForm, ok := s.readCredentials(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	user, found, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		s.logger.Error("login user lookup failed", "error", err)
		s.metrics.RecordLogin(r.Context(), "error")
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "STORE_ERROR", "authentication unavailable")
		return
	}

	stored := dummyHash
	if found && user.HasLocalPassword() {
		stored = []byte(user.PasswordHash)
	} else {
		// Sentinel or missing row: burn a comparison against the dummy
		// hash and fail regardless of its outcome.
		found = false
	}

	if err := bcrypt.CompareHashAndPassword(stored, []byte(password)); err != nil || !found {
		s.metrics.RecordLogin(r.Context(), "rejected")
		s.failAuth(w, r, isForm, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	s.metrics.RecordLogin(r.Context(), "ok")
	s.establishSession(w, r, isForm, user, http.StatusOK)
}

// handleRegister creates a new local account and logs it in.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	email, password, isForm, ok := s.readCredentials(w, r)
	if !ok {
		return
	}
	if len(password) < minPasswordLength {
		if isForm {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password must be at least 8 characters")
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	// Friendly pre-check; the insert below still enforces uniqueness, so a
	// concurrent registration loses with ErrUserExists rather than a
	// duplicate row.
	_, exists, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		s.logger.Error("register user lookup failed", "error", err)
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "STORE_ERROR", "registration unavailable")
		return
	}
	if exists {
		s.metrics.RecordRegistration(r.Context(), "duplicate")
		if isForm {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		s.logger.Error("register password hash failed", "error", err)
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "HASH_ERROR", "registration unavailable")
		return
	}

	now := time.Now().UTC()
	user := UserRecord{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(email),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			s.metrics.RecordRegistration(r.Context(), "duplicate")
			if isForm {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
			return
		}
		s.logger.Error("register create user failed", "error", err)
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "STORE_ERROR", "registration unavailable")
		return
	}

	s.metrics.RecordRegistration(r.Context(), "ok")
	s.establishSession(w, r, isForm, user, http.StatusCreated)
}

// handleLogout invalidates the current session. A failed delete is surfaced
// rather than swallowed: the client must not believe it is logged out while
// the session row survives.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := extractSessionToken(r)
	isForm := r.Method == http.MethodGet

	ctx, cancel := s.storeContext(r)
	defer cancel()

	if token != "" {
		sess, found, err := s.store.GetSessionByToken(ctx, token)
		if err != nil && !errors.Is(err, ErrSessionExpired) {
			s.logger.Error("logout session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "SESSION_ERROR", "logout failed")
			return
		}
		if found {
			if err := s.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
				s.logger.Error("logout session delete failed", "error", err)
				writeError(w, http.StatusInternalServerError, "SESSION_ERROR", "logout failed")
				return
			}
		}
	}

	clearSessionCookie(w)

	if isForm {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated principal.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, principalResponse{
		ID:        user.ID,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	})
}

// readCredentials parses the email and password out of a form or JSON body.
// The original forms post the email under "username".
func (s *Server) readCredentials(w http.ResponseWriter, r *http.Request) (email, password string, isForm, ok bool) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return "", "", true, false
		}
		email = r.PostFormValue("username")
		if email == "" {
			email = r.PostFormValue("email")
		}
		password = r.PostFormValue("password")
		isForm = true
	} else {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return "", "", false, false
		}
		email, password = req.Email, req.Password
	}

	email = strings.TrimSpace(email)
	if email == "" {
		s.failAuth(w, r, isForm, http.StatusBadRequest, "VALIDATION_ERROR", "email is required")
		return "", "", isForm, false
	}
	if password == "" {
		s.failAuth(w, r, isForm, http.StatusBadRequest, "VALIDATION_ERROR", "password is required")
		return "", "", isForm, false
	}
	return email, password, isForm, true
}

// failAuth reports an authentication failure: forms get bounced back to the
// login page, API clients get the error envelope.
func (s *Server) failAuth(w http.ResponseWriter, r *http.Request, isForm bool, status int, code, message string) {
	if isForm {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	writeError(w, status, code, message)
}

// establishSession creates a session row, sets the cookie, and completes the
// request: forms redirect to /secrets, API clients receive the session JSON.
func (s *Server) establishSession(w http.ResponseWriter, r *http.Request, isForm bool, user UserRecord, status int) {
	token, err := generateSessionToken()
	if err != nil {
		s.logger.Error("session token generation failed", "error", err)
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "TOKEN_ERROR", "failed to create session")
		return
	}

	now := time.Now().UTC()
	sess := SessionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	if err := s.store.CreateSession(ctx, sess); err != nil {
		s.logger.Error("session create failed", "user_id", user.ID, "error", err)
		s.failAuth(w, r, isForm, http.StatusInternalServerError, "SESSION_ERROR", "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if isForm {
		http.Redirect(w, r, "/secrets", http.StatusSeeOther)
		return
	}
	writeJSON(w, status, sessionResponse{
		User: principalResponse{
			ID:        user.ID,
			Email:     user.Email,
			CreatedAt: user.CreatedAt,
		},
		Token: token,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// extractSessionToken extracts the session token from the request.
// It checks the Authorization header first, then the cookie.
func extractSessionToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	cookie, err := r.Cookie(AuthCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	return ""
}

// generateSessionToken creates a cryptographically secure random token.
func generateSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
