package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	// StateCookieName holds the anti-CSRF state nonce between the redirect
	// to Google and the callback.
	StateCookieName = "hushnote_oauth_state"

	stateCookieTTL = 10 * time.Minute

	// defaultGoogleProfileURL is the OpenID Connect userinfo endpoint.
	defaultGoogleProfileURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// GoogleConfig configures the federated login flow.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is the absolute callback URL registered with Google.
	RedirectURL string
	// ProfileURL overrides the userinfo endpoint; tests point it at a
	// local stand-in.
	ProfileURL string
	// Endpoint overrides the authorization/token endpoint; defaults to
	// Google's.
	Endpoint *oauth2.Endpoint
}

func (g *GoogleConfig) oauthConfig() *oauth2.Config {
	endpoint := endpoints.Google
	if g.Endpoint != nil {
		endpoint = *g.Endpoint
	}
	return &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		RedirectURL:  g.RedirectURL,
		Scopes:       []string{"profile", "email"},
		Endpoint:     endpoint,
	}
}

func (g *GoogleConfig) profileURL() string {
	if g.ProfileURL != "" {
		return g.ProfileURL
	}
	return defaultGoogleProfileURL
}

// googleProfile is the subset of the userinfo response this flow consumes.
type googleProfile struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// handleGoogleLogin starts the federated flow: it parks a random state nonce
// in a short-lived cookie and hands the user agent to Google.
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateSessionToken()
	if err != nil {
		s.logger.Error("oauth state generation failed", "error", err)
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(stateCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, s.google.oauthConfig().AuthCodeURL(state), http.StatusFound)
}

// handleGoogleCallback finishes the federated flow: state check, code
// exchange, profile fetch, then find-or-create by email. Any failure sends
// the user agent back to the login page; the reason is only logged.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	// The state nonce is single-use; drop the cookie before any write.
	clearStateCookie(w)

	stateCookie, err := r.Cookie(StateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		s.logger.Warn("oauth callback state mismatch")
		s.metrics.RecordLogin(r.Context(), "rejected")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		s.logger.Warn("oauth callback missing code", "provider_error", r.URL.Query().Get("error"))
		s.metrics.RecordLogin(r.Context(), "rejected")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	defer cancel()

	profile, err := s.fetchGoogleProfile(ctx, code)
	if err != nil {
		s.logger.Error("oauth profile fetch failed", "error", err)
		s.metrics.RecordLogin(r.Context(), "error")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	if profile.Email == "" {
		s.logger.Warn("oauth profile has no email")
		s.metrics.RecordLogin(r.Context(), "rejected")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	user, err := s.resolveFederatedUser(ctx, profile.Email)
	if err != nil {
		s.logger.Error("oauth identity resolution failed", "error", err)
		s.metrics.RecordLogin(r.Context(), "error")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	s.metrics.RecordLogin(r.Context(), "ok")
	s.establishSession(w, r, true, user, http.StatusOK)
}

// fetchGoogleProfile exchanges the authorization code and reads the
// userinfo document.
func (s *Server) fetchGoogleProfile(ctx context.Context, code string) (googleProfile, error) {
	cfg := s.google.oauthConfig()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return googleProfile{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.google.profileURL(), nil)
	if err != nil {
		return googleProfile{}, fmt.Errorf("build userinfo request: %w", err)
	}

	resp, err := cfg.Client(ctx, token).Do(req)
	if err != nil {
		return googleProfile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return googleProfile{}, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var profile googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return googleProfile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return profile, nil
}

// resolveFederatedUser finds the account for an asserted email or creates a
// federated-only row. Email is the sole merge key: a local account with the
// same address is reused as-is, password intact.
func (s *Server) resolveFederatedUser(ctx context.Context, email string) (UserRecord, error) {
	user, found, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return UserRecord{}, fmt.Errorf("federated lookup: %w", err)
	}
	if found {
		return user, nil
	}

	now := time.Now().UTC()
	user = UserRecord{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: FederatedSentinel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			// Lost a create race; the winner's row is the identity.
			user, found, err = s.store.GetUserByEmail(ctx, email)
			if err != nil || !found {
				return UserRecord{}, fmt.Errorf("federated re-lookup after race: %w", err)
			}
			return user, nil
		}
		return UserRecord{}, fmt.Errorf("federated create: %w", err)
	}
	return user, nil
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
