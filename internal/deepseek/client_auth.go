package deepseek

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ds2openai/internal/pow"
)

type challengeData struct {
	Challenge *pow.Challenge `json:"challenge"`
}

type loginData struct {
	User *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Token string `json:"token"`
	} `json:"user"`
}

type sessionData struct {
	ID          string `json:"id"`
	ChatSession *struct {
		ID string `json:"id"`
	} `json:"chat_session"`
}

// FetchChallenge asks for a proof-of-work challenge bound to targetPath.
// An empty token requests a pre-auth challenge. A nil challenge means the
// upstream did not demand one.
func (c *Client) FetchChallenge(ctx context.Context, token, targetPath string) (*pow.Challenge, error) {
	raw, err := c.doJSON(ctx, call{
		op:      "create_pow",
		method:  http.MethodPost,
		path:    PathCreatePow,
		token:   token,
		payload: map[string]any{"target_path": targetPath},
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var data challengeData
	if err := decodeBiz("create_pow", raw, &data); err != nil {
		return nil, err
	}
	if data.Challenge == nil {
		return nil, nil
	}
	ch := *data.Challenge
	if ch.Algorithm == "" || ch.Challenge == "" || ch.Salt == "" {
		return nil, newError(ErrProtocolChange, "create_pow", http.StatusOK, 0, "incomplete challenge")
	}
	if ch.TargetPath == "" {
		ch.TargetPath = targetPath
	}
	return &ch, nil
}

// Login submits credentials and returns the token field, which may be
// empty when the upstream accepted the login without issuing one.
func (c *Client) Login(ctx context.Context, identifier, password, powHeader string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", newError(ErrInvalidCredentials, "login", 0, 0, "missing email/mobile")
	}
	payload := map[string]any{
		"password":  password,
		"device_id": "deepseek_to_api",
		"os":        "android",
	}
	if isMobile(identifier) {
		payload["mobile"] = identifier
		payload["area_code"] = nil
	} else {
		payload["email"] = identifier
	}
	headers := map[string]string{}
	if powHeader != "" {
		headers["X-Ds-Pow-Response"] = powHeader
	}
	raw, err := c.doJSON(ctx, call{
		op:        "login",
		method:    http.MethodPost,
		path:      PathLogin,
		headers:   headers,
		payload:   payload,
		accountID: identifier,
	})
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && errors.Is(err, ErrBusinessRejected) {
			return "", newError(loginRejection(ue.Code, ue.Msg), "login", ue.Status, ue.Code, ue.Msg)
		}
		return "", err
	}
	var data loginData
	if err := decodeBiz("login", raw, &data); err != nil {
		return "", err
	}
	if data.User == nil {
		return "", newError(ErrProtocolChange, "login", http.StatusOK, 0, "missing user")
	}
	return strings.TrimSpace(data.User.Token), nil
}

// VerifyToken is a cheap authenticated probe; nil means the token works.
func (c *Client) VerifyToken(ctx context.Context, token string) error {
	_, err := c.doJSON(ctx, call{
		op:     "verify_token",
		method: http.MethodGet,
		path:   PathCurrentUser,
		token:  token,
	})
	return err
}

func (c *Client) CreateSession(ctx context.Context, token, accountID string) (string, error) {
	raw, err := c.doJSON(ctx, call{
		op:        "create_session",
		method:    http.MethodPost,
		path:      PathCreateSession,
		token:     token,
		payload:   map[string]any{"agent": "chat"},
		accountID: accountID,
	})
	if err != nil {
		return "", err
	}
	var data sessionData
	if err := decodeBiz("create_session", raw, &data); err != nil {
		return "", err
	}
	id := data.ID
	if id == "" && data.ChatSession != nil {
		id = data.ChatSession.ID
	}
	if id == "" {
		return "", newError(ErrProtocolChange, "create_session", http.StatusOK, 0, "missing session id")
	}
	return id, nil
}

func isMobile(identifier string) bool {
	if strings.Contains(identifier, "@") {
		return false
	}
	for _, r := range strings.TrimPrefix(identifier, "+") {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
