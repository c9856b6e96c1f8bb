package admin

import "net/http"

func (h *Handler) getDevCaptures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":        h.Captures.Enabled(),
		"limit":          h.Captures.Limit(),
		"max_body_bytes": h.Captures.MaxBodyBytes(),
		"items":          h.Captures.Snapshot(),
	})
}

func (h *Handler) clearDevCaptures(w http.ResponseWriter, _ *http.Request) {
	h.Captures.Clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"detail":  "capture logs cleared",
	})
}
