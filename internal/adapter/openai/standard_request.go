package openai

import (
	"fmt"
	"net/http"
	"strings"

	"ds2openai/internal/config"
	"ds2openai/internal/util"
)

const conversationHeader = "X-Conversation-Id"

// normalizeOpenAIChatRequest validates the decoded body. The conversation
// id may come from the body or the X-Conversation-Id header; the body wins.
func normalizeOpenAIChatRequest(r *http.Request, req map[string]any) (util.StandardRequest, error) {
	model, _ := req["model"].(string)
	model = strings.TrimSpace(model)
	messagesRaw, _ := req["messages"].([]any)
	if model == "" || len(messagesRaw) == 0 {
		return util.StandardRequest{}, fmt.Errorf("Request must include 'model' and 'messages'.")
	}
	variant, ok := config.ParseVariant(model)
	if !ok {
		return util.StandardRequest{}, fmt.Errorf("Model '%s' is not available.", model)
	}
	messages := util.NormalizeMessages(messagesRaw)
	if len(messages) == 0 {
		return util.StandardRequest{}, fmt.Errorf("Request 'messages' must contain message objects.")
	}
	conversationID, _ := req["conversation_id"].(string)
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = strings.TrimSpace(r.Header.Get(conversationHeader))
	}
	return util.StandardRequest{
		Model:          model,
		Variant:        variant,
		Messages:       messages,
		Stream:         util.ToBool(req["stream"]),
		ConversationID: conversationID,
	}, nil
}
