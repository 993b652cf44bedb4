package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-auth/internal/account"
	"estate-auth/internal/audit"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
)

type fakeAccounts struct {
	mu      sync.Mutex
	byEmail map[string]account.Account
	updates int
	seq     int
}

func newFakeAccounts(existing ...account.Account) *fakeAccounts {
	f := &fakeAccounts{byEmail: map[string]account.Account{}}
	for _, a := range existing {
		f.byEmail[a.Email] = a
	}
	return f
}

func (f *fakeAccounts) FindByEmail(_ context.Context, email string) (account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byEmail[account.NormalizeEmail(email)]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) Create(_ context.Context, a *account.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[a.Email]; ok {
		return account.ErrEmailTaken
	}
	f.seq++
	a.ID = fmt.Sprintf("acc-%d", f.seq)
	f.byEmail[a.Email] = *a
	return nil
}

func (f *fakeAccounts) Update(_ context.Context, a *account.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[a.Email]; !ok {
		return account.ErrNotFound
	}
	f.updates++
	f.byEmail[a.Email] = *a
	return nil
}

func newTestBridge(t *testing.T, accounts AccountStore) (*Bridge, *audit.Log) {
	t.Helper()
	st := store.NewMemory(time.Minute)
	t.Cleanup(func() { _ = st.Close() })
	logger := observability.NewNopLogger()
	auditLog := audit.NewLog(st, logger)
	return NewBridge(accounts, DefaultRegistry(), auditLog, logger), auditLog
}

func googleProfile(email string) map[string]any {
	return map[string]any{"sub": "g-123", "email": email, "name": "Jane Doe", "picture": "https://img/jane.png"}
}

func TestReconcileCreatesAccount(t *testing.T) {
	accounts := newFakeAccounts()
	bridge, auditLog := newTestBridge(t, accounts)
	ctx := context.Background()

	principal, err := bridge.Reconcile(ctx, "google", googleProfile("Jane@Example.com"))
	require.NoError(t, err)
	assert.Equal(t, account.DefaultRole, principal.Role)

	created, err := accounts.FindByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, principal.UserID, created.ID)
	assert.Equal(t, "google", created.Provider)
	assert.Equal(t, "g-123", created.ProviderUserID)
	assert.True(t, created.EmailVerified)
	assert.True(t, created.Active)
	assert.NotNil(t, created.LastLoginAt)

	security, err := auditLog.UserSecurityEvents(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, security, 1)
	assert.Equal(t, audit.EventUserRegistered, security[0].Type)

	actions, err := auditLog.UserActions(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "ACCOUNT_CREATED", actions[0].Type)

	recent, err := auditLog.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, audit.CategoryOAuth2, recent[0].Category)
}

func TestReconcileRejectsMissingEmail(t *testing.T) {
	accounts := newFakeAccounts()
	bridge, auditLog := newTestBridge(t, accounts)
	ctx := context.Background()

	_, err := bridge.Reconcile(ctx, "github", map[string]any{"id": float64(42), "login": "jane"})
	assert.ErrorIs(t, err, ErrEmailMissing)
	assert.Empty(t, accounts.byEmail)

	recent, err := auditLog.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, audit.EventEmailMissing, recent[0].Type)
}

func TestReconcileProviderMismatchLeavesAccountUntouched(t *testing.T) {
	original := account.Account{ID: "acc-a", Email: "jane@example.com", Name: "Jane", Provider: "google", Role: account.RoleAgent, Active: true}
	accounts := newFakeAccounts(original)
	bridge, auditLog := newTestBridge(t, accounts)
	ctx := context.Background()

	_, err := bridge.Reconcile(ctx, "github", map[string]any{"id": float64(7), "email": "jane@example.com", "name": "Someone Else"})

	var mismatch ProviderMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "google", mismatch.Provider)
	assert.Contains(t, err.Error(), "google")

	stored, err := accounts.FindByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, original, stored)
	assert.Zero(t, accounts.updates)

	events, err := auditLog.UserSecurityEvents(ctx, "acc-a", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventProviderMismatch, events[0].Type)
}

func TestReconcileUpdatesExistingAccount(t *testing.T) {
	accounts := newFakeAccounts(account.Account{
		ID: "acc-a", Email: "jane@example.com", Name: "Old Name", Provider: "google",
		ProviderUserID: "g-123", Role: account.RoleAdmin, EmailVerified: true, Active: false,
	})
	bridge, auditLog := newTestBridge(t, accounts)
	ctx := context.Background()

	principal, err := bridge.Reconcile(ctx, "google", googleProfile("jane@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "acc-a", principal.UserID)
	assert.Equal(t, account.RoleAdmin, principal.Role)

	stored, err := accounts.FindByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", stored.Name)
	assert.Equal(t, "https://img/jane.png", stored.AvatarURL)
	assert.True(t, stored.Active)
	assert.NotNil(t, stored.LastLoginAt)

	events, err := auditLog.UserSecurityEvents(ctx, "acc-a", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventAccountReactivated, events[0].Type)

	actions, err := auditLog.UserActions(ctx, "acc-a", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "PROFILE_UPDATED", actions[0].Type)
}

func TestReconcileUnchangedProfileLogsNoUserAction(t *testing.T) {
	accounts := newFakeAccounts(account.Account{
		ID: "acc-a", Email: "jane@example.com", Name: "Jane Doe", AvatarURL: "https://img/jane.png",
		Provider: "google", ProviderUserID: "g-123", Role: account.RoleUser, EmailVerified: true, Active: true,
	})
	bridge, auditLog := newTestBridge(t, accounts)
	ctx := context.Background()

	_, err := bridge.Reconcile(ctx, "google", googleProfile("jane@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, accounts.updates)

	actions, err := auditLog.UserActions(ctx, "acc-a", 10)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestReconcileUnknownProvider(t *testing.T) {
	bridge, _ := newTestBridge(t, newFakeAccounts())
	_, err := bridge.Reconcile(context.Background(), "myspace", googleProfile("a@example.com"))
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestAdapterExtraction(t *testing.T) {
	registry := DefaultRegistry()

	github, ok := registry.Lookup("GitHub")
	require.True(t, ok)
	assert.Equal(t, UserInfo{SubjectID: "42", Email: "a@b.c", Name: "octo", AvatarURL: "https://a"},
		github.Extract(map[string]any{"id": float64(42), "login": "octo", "email": "a@b.c", "avatar_url": "https://a"}))

	facebook, ok := registry.Lookup("facebook")
	require.True(t, ok)
	assert.Equal(t, UserInfo{SubjectID: "99", Email: "f@b.c", Name: "Fay", AvatarURL: "https://pic"},
		facebook.Extract(map[string]any{
			"id": "99", "email": "f@b.c", "name": "Fay",
			"picture": map[string]any{"data": map[string]any{"url": "https://pic"}},
		}))

	assert.Equal(t, []string{"facebook", "github", "google"}, registry.IDs())
}
