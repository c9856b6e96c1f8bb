package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"ds2openai/internal/config"
)

// addAccount logs the account in before binding it.
func (h *Handler) addAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json"})
		return
	}
	v, err := h.Registry.AddAccount(r.Context(), keyParam(r), req.Email, req.Password)
	if err != nil {
		config.Logger.Warn("[admin] add account failed", "account", req.Email, "error", err)
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": v, "total_accounts": v.AccountCount})
}

func (h *Handler) removeAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if decoded, err := url.PathUnescape(email); err == nil {
		email = decoded
	}
	v, err := h.Registry.RemoveAccount(r.Context(), keyParam(r), strings.TrimSpace(email))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": v, "total_accounts": v.AccountCount})
}
