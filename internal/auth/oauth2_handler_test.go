package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"estate-auth/internal/account"
	"estate-auth/internal/audit"
	"estate-auth/internal/identity"
	"estate-auth/internal/observability"
)

// localProvider serves a google-shaped profile from a test server.
type localProvider struct {
	baseURL string
}

func (localProvider) ID() string { return identity.ProviderGoogle }

func (p localProvider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: p.baseURL + "/authorize", TokenURL: p.baseURL + "/token", AuthStyle: oauth2.AuthStyleInParams}
}

func (localProvider) Scopes() []string { return []string{"email"} }

func (p localProvider) UserInfoURL() string { return p.baseURL + "/userinfo" }

func (localProvider) Extract(attrs map[string]any) identity.UserInfo {
	info := identity.UserInfo{}
	info.SubjectID, _ = attrs["sub"].(string)
	info.Email, _ = attrs["email"].(string)
	info.Name, _ = attrs["name"].(string)
	return info
}

func newOAuth2Router(t *testing.T, h *harness, successRedirect string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"provider-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"g-1","email":"jane@example.com","name":"Jane"}`))
	})
	provider := httptest.NewServer(mux)
	t.Cleanup(provider.Close)

	logger := observability.NewNopLogger()
	registry := identity.NewRegistry(localProvider{baseURL: provider.URL})
	bridge := identity.NewBridge(h.accounts, registry, h.audit, logger)
	flow := identity.NewFlow(h.store, registry, bridge, map[string]identity.Credentials{
		identity.ProviderGoogle: {ClientID: "client", ClientSecret: "secret", RedirectURL: "http://localhost/oauth2/callback/google"},
	})

	handler := NewOAuth2Handler(flow, h.service, successRedirect)
	r := chi.NewRouter()
	r.Get("/oauth2/providers", handler.Providers)
	r.Get("/oauth2/authorize/{provider}", handler.Authorize)
	r.Get("/oauth2/callback/{provider}", handler.Callback)
	return r
}

func get(router http.Handler, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// beginFlow starts a login and returns the state plus the cookie that binds
// it to the browser.
func beginFlow(t *testing.T, router http.Handler) (string, *http.Cookie) {
	t.Helper()
	rec := get(router, "/oauth2/authorize/google")
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, state, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, stateCookiePath, cookie.Path)
	assert.Equal(t, 600, cookie.MaxAge)
	return state, cookie
}

func callbackURL(state, code string) string {
	return "/oauth2/callback/google?state=" + url.QueryEscape(state) + "&code=" + code
}

func TestOAuth2CallbackRedirectsWithTokens(t *testing.T) {
	h := newHarness(t)
	router := newOAuth2Router(t, h, "https://app.example.com/welcome")

	state, cookie := beginFlow(t, router)
	rec := get(router, callbackURL(state, "good-code"), cookie)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	fragment, err := url.ParseQuery(location.Fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, fragment.Get("access_token"))
	assert.NotEmpty(t, fragment.Get("refresh_token"))
	assert.Equal(t, "Bearer", fragment.Get("token_type"))

	principal, err := h.tokens.ValidateAccess(t.Context(), fragment.Get("access_token"))
	require.NoError(t, err)
	assert.Equal(t, account.DefaultRole, principal.Role)
}

func TestOAuth2CallbackRequiresStateCookie(t *testing.T) {
	h := newHarness(t)
	router := newOAuth2Router(t, h, "")

	// A state started in another browser cannot be completed here.
	attackerState, _ := beginFlow(t, router)
	assert.Equal(t, http.StatusBadRequest, get(router, callbackURL(attackerState, "good-code")).Code)

	_, victimCookie := beginFlow(t, router)
	rec := get(router, callbackURL(attackerState, "good-code"), victimCookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)

	failures := recordsOfType(t, h.audit, audit.EventAuthenticationFailed)
	require.Len(t, failures, 2)
	assert.Equal(t, "state_cookie_mismatch", failures[0].Details["cause"])

	_, err := h.accounts.FindByEmail(t.Context(), "jane@example.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestOAuth2CallbackErrors(t *testing.T) {
	h := newHarness(t)
	h.accounts.add(t, "jane@example.com", "correct-horse", account.ProviderLocal, account.RoleUser, true)
	router := newOAuth2Router(t, h, "")

	assert.Equal(t, http.StatusNotFound, get(router, "/oauth2/authorize/myspace").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, callbackURL("forged", "good-code"), &http.Cookie{Name: stateCookie, Value: "forged"}).Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/oauth2/callback/google?error=access_denied").Code)

	state, cookie := beginFlow(t, router)
	rec := get(router, callbackURL(state, "good-code"), cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "registered with local")

	state, cookie = beginFlow(t, router)
	rec = get(router, callbackURL(state, "bad-code"), cookie)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	providers := get(router, "/oauth2/providers")
	assert.Equal(t, http.StatusOK, providers.Code)
	assert.Contains(t, providers.Body.String(), identity.ProviderGoogle)
}
