package util

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ToBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

// MaskSecret keeps a short prefix and suffix of a credential for logs.
func MaskSecret(s string) string {
	if len(s) <= 10 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
