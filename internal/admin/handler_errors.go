package admin

import (
	"errors"
	"net/http"

	"ds2openai/internal/apikey"
	"ds2openai/internal/deepseek"
	"ds2openai/internal/login"
	"ds2openai/internal/pow"
)

func errorStatus(err error) int {
	switch {
	case errors.Is(err, apikey.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apikey.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apikey.ErrKeyInactive):
		return http.StatusConflict
	case errors.Is(err, deepseek.ErrInvalidCredentials):
		return http.StatusUnprocessableEntity
	case errors.Is(err, login.ErrChallengeFailed), errors.Is(err, login.ErrTokenExtraction),
		errors.Is(err, pow.ErrChallengeExpired), errors.Is(err, deepseek.ErrProtocolChange),
		errors.Is(err, deepseek.ErrBusinessRejected):
		return http.StatusBadGateway
	case errors.Is(err, deepseek.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]any{"detail": err.Error()})
}
