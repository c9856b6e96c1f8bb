package deepseek

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrProtocolChange      = errors.New("upstream protocol changed")
	ErrTokenRejected       = errors.New("upstream rejected token")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrBusinessRejected    = errors.New("upstream rejected request")
	ErrChallengeRejected   = errors.New("upstream rejected challenge answer")
)

// Error carries the upstream status and codes behind a classified failure.
type Error struct {
	Kind   error
	Op     string
	Status int
	Code   int
	Msg    string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status=%d", e.Status)
		if e.Code != 0 {
			fmt.Fprintf(&b, " code=%d", e.Code)
		}
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, op string, status, code int, msg string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Code: code, Msg: msg}
}

func isTokenInvalid(status int, code int, msg string) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if code == 40001 || code == 40002 || code == 40003 {
		return true
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "token") || strings.Contains(msg, "unauthorized")
}

// loginRejection narrows a business rejection of a login. Only a credential
// complaint is ErrInvalidCredentials.
func loginRejection(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case code == 40301 || strings.Contains(lower, "pow") || strings.Contains(lower, "challenge"):
		return ErrChallengeRejected
	case code == 2 || strings.Contains(lower, "password") || strings.Contains(lower, "credential") ||
		strings.Contains(msg, "密码"):
		return ErrInvalidCredentials
	default:
		return ErrBusinessRejected
	}
}

// IsTransient reports whether retrying on another account may help.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
