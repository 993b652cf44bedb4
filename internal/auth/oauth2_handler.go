package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"estate-auth/internal/audit"
	"estate-auth/internal/identity"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
)

const (
	stateCookie     = "oauth2_state"
	stateCookiePath = "/oauth2/callback"
)

// OAuth2Handler serves the authorization-code endpoints for external
// providers.
type OAuth2Handler struct {
	flow            *identity.Flow
	service         *Service
	successRedirect string
}

func NewOAuth2Handler(flow *identity.Flow, service *Service, successRedirect string) *OAuth2Handler {
	return &OAuth2Handler{flow: flow, service: service, successRedirect: successRedirect}
}

func (h *OAuth2Handler) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.flow.Enabled()})
}

func (h *OAuth2Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := h.flow.Begin(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     stateCookiePath,
		MaxAge:   int(identity.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the flow and hands out tokens, either as JSON or as a
// URL fragment on the configured success redirect.
// The state must match the cookie set by Authorize in the same browser.
func (h *OAuth2Handler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	provider := chi.URLParam(r, "provider")
	state := query.Get("state")

	bound := false
	if cookie, err := r.Cookie(stateCookie); err == nil && state != "" {
		bound = subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: stateCookiePath, MaxAge: -1, HttpOnly: true, Secure: r.TLS != nil})

	if providerErr := query.Get("error"); providerErr != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+providerErr)
		return
	}
	if !bound {
		h.service.audit.LogSecurityEvent(r.Context(), audit.EventAuthenticationFailed, audit.SeverityWarn, "",
			observability.ClientIP(r), "OAuth2 callback state not bound to this browser",
			map[string]any{"provider": provider, "cause": "state_cookie_mismatch"})
		h.writeFlowError(w, identity.ErrInvalidState)
		return
	}

	principal, err := h.flow.Complete(r.Context(), provider, state, query.Get("code"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	tokens, err := h.service.IssueTokens(r.Context(), principal)
	if err != nil {
		writeInternal(w, err, "failed to issue tokens")
		return
	}

	if h.successRedirect == "" {
		writeJSON(w, http.StatusOK, tokens)
		return
	}
	fragment := url.Values{}
	fragment.Set("access_token", tokens.AccessToken)
	fragment.Set("refresh_token", tokens.RefreshToken)
	fragment.Set("token_type", tokens.TokenType)
	fragment.Set("expires_in", strconv.FormatInt(tokens.ExpiresIn, 10))
	http.Redirect(w, r, h.successRedirect+"#"+fragment.Encode(), http.StatusFound)
}

func (h *OAuth2Handler) writeFlowError(w http.ResponseWriter, err error) {
	var mismatch identity.ProviderMismatchError
	switch {
	case errors.As(err, &mismatch):
		writeError(w, http.StatusConflict, mismatch.Error())
	case errors.Is(err, identity.ErrUnsupportedProvider), errors.Is(err, identity.ErrProviderNotEnabled):
		writeError(w, http.StatusNotFound, "unknown login provider")
	case errors.Is(err, identity.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "login session expired, please try again")
	case errors.Is(err, identity.ErrEmailMissing):
		writeError(w, http.StatusBadRequest, "your account with this provider has no email address")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		observability.CaptureError(err, map[string]string{"component": "oauth2"})
		writeError(w, http.StatusBadGateway, "login with provider failed")
	}
}
