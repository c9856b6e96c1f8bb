package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ds2openai/internal/apikey"
	"ds2openai/internal/auth"
	"ds2openai/internal/devcapture"
	"ds2openai/internal/util"
)

var writeJSON = util.WriteJSON

type KeyRegistry interface {
	Create(ctx context.Context, name string, ttl time.Duration) (apikey.View, error)
	AddAccount(ctx context.Context, id, email, password string) (apikey.View, error)
	RemoveAccount(ctx context.Context, id, email string) (apikey.View, error)
	Info(id string) (apikey.View, error)
	List() []apikey.View
	Deactivate(ctx context.Context, id string) (apikey.View, error)
	Cleanup(ctx context.Context) (int, error)
}

type PoolInspector interface {
	Status() map[string]any
}

type SessionInspector interface {
	Stats() map[string]any
}

type LoginProber interface {
	Login(ctx context.Context, email, password string) (string, error)
	Verify(ctx context.Context, token string) (bool, error)
}

type Handler struct {
	AdminKey string
	Registry KeyRegistry
	Pool     PoolInspector
	Sessions SessionInspector
	Login    LoginProber
	Captures *devcapture.Store
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAdmin)
		pr.Post("/keys", h.createKey)
		pr.Get("/keys", h.listKeys)
		pr.Post("/keys/cleanup", h.cleanupKeys)
		pr.Get("/keys/{key}", h.getKey)
		pr.Post("/keys/{key}/accounts", h.addAccount)
		pr.Delete("/keys/{key}/accounts/{email}", h.removeAccount)
		pr.Post("/keys/{key}/deactivate", h.deactivateKey)
		pr.Post("/login", h.login)
		pr.Post("/verify", h.verify)
		pr.Get("/pool/status", h.poolStatus)
		pr.Get("/sessions/stats", h.sessionStats)
		pr.Get("/dev/captures", h.getDevCaptures)
		pr.Delete("/dev/captures", h.clearDevCaptures)
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.CheckAdmin(r, h.AdminKey); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrForbidden) {
				status = http.StatusForbidden
			}
			writeJSON(w, status, map[string]any{"detail": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
