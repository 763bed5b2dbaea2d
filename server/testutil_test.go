package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "auth.sqlite")
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testServer creates a Server with defaults suitable for testing.
func testServer(t *testing.T) *Server {
	t.Helper()
	return testServerWith(t, newTestStore(t), nil)
}

func testServerWith(t *testing.T, store AuthStore, google *GoogleConfig) *Server {
	t.Helper()
	return NewServer(ServerConfig{
		Store:      store,
		Google:     google,
		CORSOrigin: "*",
		MaxBody:    1 << 20,
	})
}

// registerJSON registers a user through the API and returns the session token.
func registerJSON(t *testing.T, srv *Server, email, password string) string {
	t.Helper()

	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("register response has empty token")
	}
	return resp.Token
}

// loginJSON attempts a login through the API and returns the recorder.
func loginJSON(t *testing.T, srv *Server, email, password string) *httptest.ResponseRecorder {
	t.Helper()

	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, password)
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

// authedRequest builds a request carrying the given session token.
func authedRequest(method, target, token, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}
