// Package account holds the local account record that tokens and OAuth2
// logins resolve to, and its Postgres repository.
package account

import (
	"errors"
	"strings"
	"time"
)

const (
	ProviderLocal = "local"

	RoleUser  = "USER"
	RoleAgent = "AGENT"
	RoleAdmin = "ADMIN"

	DefaultRole = RoleUser
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

type Account struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	Provider       string     `json:"provider"`
	ProviderUserID string     `json:"provider_user_id,omitempty"`
	Role           string     `json:"role"`
	PasswordHash   string     `json:"-"`
	EmailVerified  bool       `json:"email_verified"`
	Active         bool       `json:"active"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
