package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

// fakeProvider stands in for Google: a token endpoint that accepts any code
// except "bad-code", and a userinfo endpoint returning the configured email.
func fakeProvider(t *testing.T, email string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostFormValue("code") == "bad-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "fake-access-token",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fake-access-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"email":          email,
			"email_verified": true,
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func googleTestConfig(provider *httptest.Server) *GoogleConfig {
	return &GoogleConfig{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		ProfileURL:   provider.URL + "/userinfo",
		Endpoint: &oauth2.Endpoint{
			AuthURL:  provider.URL + "/auth",
			TokenURL: provider.URL + "/token",
		},
	}
}

// startGoogleLogin performs GET /auth/google and returns the state value.
func startGoogleLogin(t *testing.T, srv *Server) (state string, cookie *http.Cookie) {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("auth entry status = %d, want %d", w.Code, http.StatusFound)
	}
	loc := w.Header().Get("Location")
	if !strings.Contains(loc, "scope=profile+email") && !strings.Contains(loc, "scope=profile%20email") {
		t.Fatalf("redirect %q does not request profile and email scopes", loc)
	}

	for _, c := range w.Result().Cookies() {
		if c.Name == StateCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("no state cookie set")
	}
	return cookie.Value, cookie
}

func finishGoogleLogin(t *testing.T, srv *Server, state string, cookie *http.Cookie, code string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+state+"&code="+code, nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func TestGoogleLoginCreatesFederatedUser(t *testing.T) {
	provider := fakeProvider(t, "fed@x.com")
	store := newTestStore(t)
	srv := testServerWith(t, store, googleTestConfig(provider))

	state, cookie := startGoogleLogin(t, srv)
	w := finishGoogleLogin(t, srv, state, cookie, "good-code")

	if w.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/secrets" {
		t.Fatalf("redirect = %q, want /secrets", loc)
	}

	user, found, err := store.GetUserByEmail(context.Background(), "fed@x.com")
	if err != nil || !found {
		t.Fatalf("federated user not created: found=%v err=%v", found, err)
	}
	if user.PasswordHash != FederatedSentinel {
		t.Fatalf("password hash = %q, want sentinel", user.PasswordHash)
	}
}

func TestGoogleLoginMergesWithLocalAccount(t *testing.T) {
	provider := fakeProvider(t, "a@x.com")
	store := newTestStore(t)
	srv := testServerWith(t, store, googleTestConfig(provider))

	registerJSON(t, srv, "a@x.com", "password1")
	local, _, err := store.GetUserByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}

	state, cookie := startGoogleLogin(t, srv)
	w := finishGoogleLogin(t, srv, state, cookie, "good-code")
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/secrets" {
		t.Fatalf("callback = %d %q, want 303 /secrets", w.Code, w.Header().Get("Location"))
	}

	// Same row: no duplicate, local credential untouched.
	merged, _, err := store.GetUserByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("GetUserByEmail after merge: %v", err)
	}
	if merged.ID != local.ID {
		t.Fatalf("merged id = %q, want original %q", merged.ID, local.ID)
	}
	if merged.PasswordHash != local.PasswordHash {
		t.Fatal("local password hash was overwritten by federated login")
	}

	// Local login still works after the federated visit.
	if w2 := loginJSON(t, srv, "a@x.com", "password1"); w2.Code != http.StatusOK {
		t.Fatalf("local login after merge status = %d, want 200", w2.Code)
	}
}

func TestFederatedAccountCannotLoginLocally(t *testing.T) {
	provider := fakeProvider(t, "fedonly@x.com")
	store := newTestStore(t)
	srv := testServerWith(t, store, googleTestConfig(provider))

	state, cookie := startGoogleLogin(t, srv)
	finishGoogleLogin(t, srv, state, cookie, "good-code")

	// The sentinel must never validate as a password.
	for _, password := range []string{FederatedSentinel, "password1"} {
		w := loginJSON(t, srv, "fedonly@x.com", password)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("local login with %q status = %d, want 401", password, w.Code)
		}
	}
}

func TestGoogleCallbackStateMismatch(t *testing.T) {
	provider := fakeProvider(t, "fed@x.com")
	srv := testServerWith(t, newTestStore(t), googleTestConfig(provider))

	_, cookie := startGoogleLogin(t, srv)
	w := finishGoogleLogin(t, srv, "forged-state", cookie, "good-code")

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("redirect = %q, want /login", loc)
	}
}

func TestGoogleCallbackMissingStateCookie(t *testing.T) {
	provider := fakeProvider(t, "fed@x.com")
	srv := testServerWith(t, newTestStore(t), googleTestConfig(provider))

	w := finishGoogleLogin(t, srv, "some-state", nil, "good-code")
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("redirect = %q, want /login", loc)
	}
}

func TestGoogleCallbackExchangeFailure(t *testing.T) {
	provider := fakeProvider(t, "fed@x.com")
	store := newTestStore(t)
	srv := testServerWith(t, store, googleTestConfig(provider))

	state, cookie := startGoogleLogin(t, srv)
	w := finishGoogleLogin(t, srv, state, cookie, "bad-code")

	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("redirect = %q, want /login", loc)
	}
	if _, found, _ := store.GetUserByEmail(context.Background(), "fed@x.com"); found {
		t.Fatal("user created despite failed exchange")
	}
}

func TestGoogleCallbackEmptyEmail(t *testing.T) {
	provider := fakeProvider(t, "")
	store := newTestStore(t)
	srv := testServerWith(t, store, googleTestConfig(provider))

	state, cookie := startGoogleLogin(t, srv)
	w := finishGoogleLogin(t, srv, state, cookie, "good-code")

	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Fatalf("redirect = %q, want /login", loc)
	}
}

func TestGoogleRoutesAbsentWithoutConfig(t *testing.T) {
	srv := testServer(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
