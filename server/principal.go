package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type principalKey struct{}

// principalFrom returns the authenticated user stashed by withPrincipal.
func principalFrom(ctx context.Context) (UserRecord, bool) {
	user, ok := ctx.Value(principalKey{}).(UserRecord)
	return user, ok
}

// withPrincipal is the admission gate for protected routes. It resolves the
// session token into a user record and stores it in the request context.
// Unauthenticated browser requests are redirected to /login; API requests
// receive 401.
func (s *Server) withPrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractSessionToken(r)
		if token == "" {
			s.denyAnonymous(w, r, "no session token provided")
			return
		}

		ctx, cancel := s.storeContext(r)
		defer cancel()

		sess, found, err := s.store.GetSessionByToken(ctx, token)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				clearSessionCookie(w)
				s.denyAnonymous(w, r, "session has expired")
				return
			}
			s.logger.Error("session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", "session lookup failed")
			return
		}
		if !found {
			s.denyAnonymous(w, r, "invalid session token")
			return
		}

		user, found, err := s.store.GetUserByID(ctx, sess.UserID)
		if err != nil {
			s.logger.Error("principal lookup failed", "user_id", sess.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", "principal lookup failed")
			return
		}
		if !found {
			// Session row outlived its user; treat as anonymous.
			s.denyAnonymous(w, r, "invalid session token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, user)))
	}
}

func (s *Server) denyAnonymous(w http.ResponseWriter, r *http.Request, message string) {
	if wantsHTML(r) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// wantsHTML reports whether the client is a browser navigating pages rather
// than an API caller.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}
