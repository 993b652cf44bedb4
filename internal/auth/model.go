package auth

import (
	"context"
	"errors"
	"time"

	"estate-auth/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
)

// ErrLoginLocked is returned while the client IP is over the failed-login
// threshold.
type ErrLoginLocked struct {
	RetryAfter time.Duration
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"omitempty,max=120"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type session struct {
	principal token.Principal
	raw       string
}

type sessionKey struct{}

// principalSlot lets an outer middleware see who a request was
// authenticated as after the handler chain has run.
type principalSlot struct {
	principal token.Principal
	set       bool
}

type slotKey struct{}

func withSession(ctx context.Context, principal token.Principal, raw string) context.Context {
	if slot, ok := ctx.Value(slotKey{}).(*principalSlot); ok {
		slot.principal = principal
		slot.set = true
	}
	return context.WithValue(ctx, sessionKey{}, session{principal: principal, raw: raw})
}

// WithPrincipal attaches a principal to ctx without a bearer token.
func WithPrincipal(ctx context.Context, principal token.Principal) context.Context {
	return withSession(ctx, principal, "")
}

func PrincipalFrom(ctx context.Context) (token.Principal, bool) {
	s, ok := ctx.Value(sessionKey{}).(session)
	return s.principal, ok
}

func accessTokenFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(session)
	return s.raw
}
