package admin

import "net/http"

func (h *Handler) poolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Status())
}

func (h *Handler) sessionStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Sessions.Stats())
}
