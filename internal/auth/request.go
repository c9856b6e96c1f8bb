package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

type ctxKey string

const callerCtxKey ctxKey = "caller_context"

var (
	ErrUnauthorized = errors.New("unauthorized: missing auth token")
	ErrForbidden    = errors.New("forbidden: invalid admin key")
)

// KeyChecker tells registry-issued keys apart from raw upstream tokens.
type KeyChecker interface {
	IsKey(credential string) bool
}

// Caller is the identity behind one request. Managed callers present a
// registry key; the rest present an upstream token directly.
type Caller struct {
	Credential string
	CallerID   string
	Managed    bool
}

type Resolver struct {
	Keys KeyChecker
}

func NewResolver(keys KeyChecker) *Resolver {
	return &Resolver{Keys: keys}
}

func (r *Resolver) Determine(req *http.Request) (*Caller, error) {
	credential := extractCallerToken(req)
	if credential == "" {
		return nil, ErrUnauthorized
	}
	return &Caller{
		Credential: credential,
		CallerID:   callerTokenID(credential),
		Managed:    r != nil && r.Keys != nil && r.Keys.IsKey(credential),
	}, nil
}

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey, c)
}

func FromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerCtxKey).(*Caller)
	return c, ok
}

// CheckAdmin validates the admin bearer key. An empty configured key
// leaves the admin surface open.
func CheckAdmin(req *http.Request, adminKey string) error {
	if adminKey == "" {
		return nil
	}
	got := extractCallerToken(req)
	if got == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
		return ErrForbidden
	}
	return nil
}

func extractCallerToken(req *http.Request) string {
	authHeader := strings.TrimSpace(req.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token != "" {
			return token
		}
	}
	if key := strings.TrimSpace(req.Header.Get("x-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(req.URL.Query().Get("key"))
}

// callerTokenID scopes conversations per credential without keeping the
// credential itself as a map key.
func callerTokenID(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "caller:" + hex.EncodeToString(sum[:8])
}
