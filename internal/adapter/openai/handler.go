package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ds2openai/internal/auth"
	"ds2openai/internal/chat"
	"ds2openai/internal/config"
	"ds2openai/internal/util"
)

var writeJSON = util.WriteJSON

type AuthResolver interface {
	Determine(req *http.Request) (*auth.Caller, error)
}

type ChatCompleter interface {
	Complete(ctx context.Context, req chat.Request, hooks chat.Hooks) (chat.Result, error)
}

type ConversationForgetter interface {
	Forget(callerID, conversationID string) bool
}

type Handler struct {
	Auth          AuthResolver
	Chat          ChatCompleter
	Conversations ConversationForgetter
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/v1/models", h.ListModels)
	r.Get("/v1/models/{model_id}", h.GetModel)
	r.Post("/v1/chat/completions", h.ChatCompletions)
	r.Delete("/v1/conversations/{conversation_id}", h.DeleteConversation)
}

func (h *Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.OpenAIModelsResponse())
}

func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	modelID := strings.TrimSpace(chi.URLParam(r, "model_id"))
	model, ok := config.FindModel(modelID)
	if !ok {
		writeOpenAIError(w, http.StatusNotFound, "Model not found.")
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// DeleteConversation drops the caller's stored continuation. A conversation
// with a turn in flight cannot be dropped.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	caller, err := h.Auth.Determine(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "conversation_id"))
	if h.Conversations == nil || !h.Conversations.Forget(caller.CallerID, id) {
		writeOpenAIError(w, http.StatusNotFound, "Conversation not found or busy.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "conversation.deleted", "deleted": true})
}
