package openai

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ds2openai/internal/auth"
	"ds2openai/internal/chat"
	"ds2openai/internal/config"
	openaifmt "ds2openai/internal/format/openai"
)

func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	caller, err := h.Auth.Determine(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	r = r.WithContext(auth.WithCaller(r.Context(), caller))

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid json")
		return
	}
	stdReq, err := normalizeOpenAIChatRequest(r, req)
	if err != nil {
		writeOpenAIErrorWithCode(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return
	}
	chatReq := chat.Request{
		StandardRequest: stdReq,
		Credential:      caller.Credential,
		CallerID:        caller.CallerID,
	}
	completionID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if stdReq.Stream {
		h.handleStream(w, r, chatReq, completionID)
		return
	}
	h.handleNonStream(w, r, chatReq, completionID)
}

func (h *Handler) handleNonStream(w http.ResponseWriter, r *http.Request, req chat.Request, completionID string) {
	res, err := h.Chat.Complete(r.Context(), req, chat.Hooks{})
	if err != nil {
		logChatFailure(r, req, err)
		writeChatError(w, err)
		return
	}
	resp := openaifmt.BuildChatCompletion(completionID, req.Model, res.Prompt, res.Reasoning, res.Content, res.FinishReason, res.Citations)
	if res.ConversationID != "" {
		resp["conversation_id"] = res.ConversationID
		w.Header().Set(conversationHeader, res.ConversationID)
	}
	if res.Err != nil {
		status, code := errorStatus(res.Err)
		resp["error"] = openaifmt.BuildError(status, res.Err.Error(), code)["error"]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req chat.Request, completionID string) {
	rt := newChatStreamRuntime(w, completionID, time.Now().Unix(), req.Model, req.ConversationID)
	if !rt.canFlush {
		config.Logger.Warn("[openai] response writer cannot flush; stream frames will be buffered")
	}
	res, err := h.Chat.Complete(r.Context(), req, rt.hooks())
	if err != nil {
		logChatFailure(r, req, err)
		if rt.started {
			rt.fail(err)
			return
		}
		writeChatError(w, err)
		return
	}
	rt.finalize(res)
}

func logChatFailure(r *http.Request, req chat.Request, err error) {
	callerID := ""
	if caller, ok := auth.FromContext(r.Context()); ok {
		callerID = caller.CallerID
	}
	config.Logger.Warn("[openai] chat failed", "caller", callerID, "model", req.Model, "stream", req.Stream, "error", err)
}
