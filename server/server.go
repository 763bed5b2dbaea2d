package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	hushotel "github.com/petal-labs/hushnote/otel"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store        AuthStore
	Google       *GoogleConfig
	SessionTTL   time.Duration
	StoreTimeout time.Duration
	CORSOrigin   string
	MaxBody      int64
	Metrics      *hushotel.AuthMetrics
	Logger       *slog.Logger
}

// Server is the hushnote HTTP server: local and federated authentication,
// cookie sessions, and the per-user secret resource.
type Server struct {
	store        AuthStore
	google       *GoogleConfig
	sessionTTL   time.Duration
	storeTimeout time.Duration
	corsOrigin   string
	maxBody      int64
	metrics      *hushotel.AuthMetrics
	logger       *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = SessionDuration
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Server{
		store:        cfg.Store,
		google:       cfg.Google,
		sessionTTL:   sessionTTL,
		storeTimeout: storeTimeout,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = hushotel.TraceMiddleware(handler)

	return handler
}

// RegisterRoutes mounts all routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Local authentication
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /logout", s.handleLogout)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/me", s.withPrincipal(s.handleMe))

	// Federated authentication
	if s.google != nil {
		mux.HandleFunc("GET /auth/google", s.handleGoogleLogin)
		mux.HandleFunc("GET /auth/google/callback", s.handleGoogleCallback)
	}

	// Secrets
	mux.HandleFunc("GET /secrets", s.withPrincipal(s.handleGetSecret))
	mux.HandleFunc("GET /submit", s.withPrincipal(s.handleSubmitPage))
	mux.HandleFunc("POST /submit", s.withPrincipal(s.handleSubmitSecret))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storeContext derives the bounded context used for all store calls so a
// stalled database surfaces as a request failure instead of a hung handler.
func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.storeTimeout)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
