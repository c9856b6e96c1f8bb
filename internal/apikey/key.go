package apikey

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const KeyPrefix = "dsk-"

var (
	ErrNotFound     = errors.New("api key not found")
	ErrKeyInactive  = errors.New("api key inactive or expired")
	ErrInvalidInput = errors.New("invalid api key request")
)

// Binding attaches one upstream account to a key.
type Binding struct {
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Token    string    `json:"token,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

// APIKey is the persisted record.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
	UsageCount int64      `json:"usage_count"`
	Accounts   []Binding  `json:"accounts"`
}

func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

func (k *APIKey) Usable(now time.Time) bool {
	return k.Active && !k.Expired(now)
}

func (k *APIKey) clone() *APIKey {
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Accounts = append([]Binding(nil), k.Accounts...)
	return &cp
}

func (k *APIKey) bindingIndex(email string) int {
	for i, b := range k.Accounts {
		if strings.EqualFold(strings.TrimSpace(b.Email), strings.TrimSpace(email)) {
			return i
		}
	}
	return -1
}

// AccountView is a binding without its secrets.
type AccountView struct {
	Email    string `json:"email"`
	HasToken bool   `json:"has_token"`
	Status   string `json:"status"`
}

// View is the redacted key projection.
type View struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Active       bool          `json:"active"`
	Expired      bool          `json:"expired"`
	UsageCount   int64         `json:"usage_count"`
	AccountCount int           `json:"account_count"`
	Accounts     []AccountView `json:"accounts"`
}

func NewKeyID() string {
	return KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LooksLikeKey reports whether a caller credential uses the managed key format.
func LooksLikeKey(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), KeyPrefix)
}
