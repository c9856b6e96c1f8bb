package account

import (
	"strings"
	"time"
)

type Status int

const (
	StatusUnverified Status = iota
	StatusActive
	StatusInvalid
	StatusCooling
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInvalid:
		return "invalid"
	case StatusCooling:
		return "cooling"
	default:
		return "unverified"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Account is one upstream identity. ID is the normalized email.
type Account struct {
	ID            string
	Email         string
	Password      string
	Token         string
	Status        Status
	LastUsedAt    time.Time
	LastError     string
	CooldownUntil time.Time
	CooldownStep  int
}

// View is the redacted projection safe to return from admin endpoints.
type View struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	HasToken      bool       `json:"has_token"`
	InUse         int        `json:"in_use"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

func NormalizeID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *Account) view(inUse int) View {
	v := View{
		ID:        a.ID,
		Status:    a.Status,
		HasToken:  a.Token != "",
		InUse:     inUse,
		LastError: a.LastError,
	}
	if !a.LastUsedAt.IsZero() {
		t := a.LastUsedAt
		v.LastUsedAt = &t
	}
	if a.Status == StatusCooling {
		t := a.CooldownUntil
		v.CooldownUntil = &t
	}
	return v
}
