package openai

import (
	"context"
	"errors"
	"net/http"

	"ds2openai/internal/account"
	"ds2openai/internal/apikey"
	"ds2openai/internal/auth"
	"ds2openai/internal/deepseek"
	openaifmt "ds2openai/internal/format/openai"
	"ds2openai/internal/login"
	"ds2openai/internal/pow"
	"ds2openai/internal/session"
)

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	writeOpenAIErrorWithCode(w, status, message, "")
}

func writeOpenAIErrorWithCode(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, openaifmt.BuildError(status, message, code))
}

// errorStatus maps a chat failure to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, apikey.ErrNotFound):
		return http.StatusUnauthorized, "invalid_api_key"
	case errors.Is(err, deepseek.ErrTokenRejected), errors.Is(err, deepseek.ErrInvalidCredentials):
		return http.StatusUnauthorized, "upstream_token_rejected"
	case errors.Is(err, apikey.ErrKeyInactive):
		return http.StatusForbidden, "api_key_inactive"
	case errors.Is(err, account.ErrNoAvailableAccount):
		return http.StatusTooManyRequests, "no_available_account"
	case errors.Is(err, pow.ErrChallengeExpired), errors.Is(err, pow.ErrUnsupportedAlgorithm),
		errors.Is(err, pow.ErrNoSolution), errors.Is(err, login.ErrChallengeFailed):
		return http.StatusBadGateway, "challenge_failed"
	case errors.Is(err, deepseek.ErrProtocolChange):
		return http.StatusBadGateway, "upstream_protocol_changed"
	case errors.Is(err, deepseek.ErrBusinessRejected):
		return http.StatusBadGateway, "upstream_rejected"
	case errors.Is(err, deepseek.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, session.ErrConversationState):
		return http.StatusConflict, "conversation_state"
	default:
		return http.StatusInternalServerError, ""
	}
}

func writeChatError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeOpenAIErrorWithCode(w, status, err.Error(), code)
}
