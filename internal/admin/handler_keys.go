package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		ExpiresDays *int   `json:"expires_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json"})
		return
	}
	var ttl time.Duration
	if req.ExpiresDays != nil {
		if *req.ExpiresDays <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "expires_days must be positive"})
			return
		}
		ttl = time.Duration(*req.ExpiresDays) * 24 * time.Hour
	}
	v, err := h.Registry.Create(r.Context(), req.Name, ttl)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "api_key": v.ID, "key": v})
}

func (h *Handler) listKeys(w http.ResponseWriter, _ *http.Request) {
	keys := h.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"items": keys, "total": len(keys)})
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	v, err := h.Registry.Info(keyParam(r))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) deactivateKey(w http.ResponseWriter, r *http.Request) {
	v, err := h.Registry.Deactivate(r.Context(), keyParam(r))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": v})
}

func (h *Handler) cleanupKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.Registry.Cleanup(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleaned_count": n})
}

func keyParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "key"))
}
