package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// noSecretPlaceholder is shown to users who have not stored a secret yet.
const noSecretPlaceholder = "You should submit a secret!"

// secretResponse is the page data for GET /secrets.
type secretResponse struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

// submitRequest is the JSON body for POST /submit.
type submitRequest struct {
	Secret string `json:"secret"`
}

// handleGetSecret returns the caller's own secret. The principal resolved by
// the gate is the only row consulted; there is no way to address another
// user's secret.
func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	user, _ := principalFrom(r.Context())

	secret := user.Secret
	if secret == "" {
		secret = noSecretPlaceholder
	}

	writeJSON(w, http.StatusOK, secretResponse{
		Email:  user.Email,
		Secret: secret,
	})
}

// handleSubmitPage is the page-data stub behind GET /submit; it exists so
// the submit form sits behind the same gate as the secrets page.
func (s *Server) handleSubmitPage(w http.ResponseWriter, r *http.Request) {
	user, _ := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"email": user.Email})
}

// handleSubmitSecret stores free-text secret content on the caller's row.
func (s *Server) handleSubmitSecret(w http.ResponseWriter, r *http.Request) {
	user, _ := principalFrom(r.Context())

	var secret string
	isForm := false
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
		secret = r.PostFormValue("secret")
		isForm = true
	} else {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
		secret = req.Secret
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()

	if err := s.store.UpdateSecret(ctx, user.ID, secret); err != nil {
		s.logger.Error("secret update failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to store secret")
		return
	}

	if isForm {
		http.Redirect(w, r, "/secrets", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{Email: user.Email, Secret: secret})
}
