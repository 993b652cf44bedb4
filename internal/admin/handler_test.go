package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-auth/internal/audit"
	"estate-auth/internal/auth"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
	"estate-auth/internal/threat"
	"estate-auth/internal/token"
)

type fixture struct {
	router http.Handler
	audit  *audit.Log
	ledger *threat.Ledger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemory(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	logger := observability.NewNopLogger()
	auditLog := audit.NewLog(st, logger)
	ledger := threat.NewLedger(st, auditLog, logger)
	h := NewHandler(auditLog, ledger, logger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithPrincipal(r.Context(), token.Principal{UserID: "admin-1", Role: "ADMIN"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Get("/events", h.RecentEvents)
	r.Get("/users/{userID}/actions", h.UserActions)
	r.Get("/users/{userID}/events", h.UserSecurityEvents)
	r.Post("/blocks", h.BlockIP)
	r.Delete("/blocks/{ip}", h.UnblockIP)
	r.Get("/ips/{ip}", h.IPStatus)

	return fixture{router: r, audit: auditLog, ledger: ledger}
}

func (f fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestBlockIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/blocks", `{"ip":"203.0.113.7","reason":"credential stuffing","duration_minutes":15}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	blocked, err := f.ledger.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, blocked)

	actions, err := f.audit.UserActions(ctx, "admin-1", 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "IP_BLOCKED", actions[0].Type)

	for _, body := range []string{
		`{"ip":"not-an-ip","reason":"x","duration_minutes":15}`,
		`{"ip":"203.0.113.7","reason":"","duration_minutes":15}`,
		`{"ip":"203.0.113.7","reason":"x","duration_minutes":0}`,
		`{"ip":"203.0.113.7","reason":"x","duration_minutes":15,"extra":true}`,
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/blocks", body).Code, body)
	}
}

func TestUnblockIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Block(ctx, "203.0.113.7", "manual", time.Hour))

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/blocks/203.0.113.7", "").Code)

	blocked, err := f.ledger.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, blocked)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/blocks/nope", "").Code)
}

func TestIPStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.RecordThreat(ctx, "198.51.100.4", threat.CategoryXSS))
	f.ledger.RecordLoginAttempt(ctx, "a@example.com", "198.51.100.4", false, "", "bad password")
	require.NoError(t, f.ledger.Block(ctx, "198.51.100.4", "manual", 10*time.Minute))

	rec := f.do(http.MethodGet, "/ips/198.51.100.4", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status ipStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Blocked)
	assert.Equal(t, "manual", status.Reason)
	assert.InDelta(t, 600, status.RemainingSeconds, 5)
	assert.Equal(t, int64(1), status.Threats.XSS)
	assert.Equal(t, int64(1), status.FailedLogins)
	assert.False(t, status.LoginLocked)

	rec = f.do(http.MethodGet, "/ips/192.0.2.1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Blocked)
}

func TestEventListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.audit.LogSecurityEvent(ctx, audit.EventUserRegistered, audit.SeverityInfo, "u1", "192.0.2.1", "registered", nil)
	f.audit.LogUserAction(ctx, "u1", "PROFILE_UPDATED", "updated", nil)
	f.audit.LogUserAction(ctx, "u1", "LOGOUT", "logged out", nil)

	rec := f.do(http.MethodGet, "/events?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recent struct {
		Events []audit.Record `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	assert.Equal(t, 2, recent.Count)
	assert.Equal(t, "LOGOUT", recent.Events[0].Type)

	rec = f.do(http.MethodGet, "/users/u1/actions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PROFILE_UPDATED")

	rec = f.do(http.MethodGet, "/users/u1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), audit.EventUserRegistered)
	assert.NotContains(t, rec.Body.String(), "PROFILE_UPDATED")
}
