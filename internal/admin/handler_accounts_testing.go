package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"ds2openai/internal/config"
	"ds2openai/internal/util"
)

// login runs the upstream login flow once and hands back the token. It is
// a debugging aid; nothing is stored.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "email and password are required"})
		return
	}
	token, err := h.Login.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		config.Logger.Warn("[admin] login probe failed", "account", req.Email, "error", err)
		writeJSON(w, errorStatus(err), map[string]any{"success": false, "user_token": "", "message": err.Error()})
		return
	}
	config.Logger.Info("[admin] login probe succeeded", "account", req.Email, "token", util.MaskSecret(token))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user_token": token, "message": "login succeeded"})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "token is required"})
		return
	}
	live, err := h.Login.Verify(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"live": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": live})
}
