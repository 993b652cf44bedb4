package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"estate-auth/internal/account"
	"estate-auth/internal/audit"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
	"estate-auth/internal/threat"
	"estate-auth/internal/token"
)

const testSecret = "test-secret-key-minimum-32-characters-long"

type fakeAccounts struct {
	mu      sync.Mutex
	byEmail map[string]account.Account
	seq     int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byEmail: map[string]account.Account{}}
}

func (f *fakeAccounts) add(t *testing.T, email, password, provider, role string, active bool) account.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	a := account.Account{
		ID:           "acc-" + strconv.Itoa(f.seq),
		Email:        email,
		Provider:     provider,
		Role:         role,
		PasswordHash: string(hash),
		Active:       active,
	}
	f.byEmail[email] = a
	return a
}

func (f *fakeAccounts) FindByEmail(_ context.Context, email string) (account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byEmail[email]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) FindByID(_ context.Context, id string) (account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byEmail {
		if a.ID == id {
			return a, nil
		}
	}
	return account.Account{}, account.ErrNotFound
}

func (f *fakeAccounts) Create(_ context.Context, a *account.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[a.Email]; ok {
		return account.ErrEmailTaken
	}
	f.seq++
	a.ID = "acc-" + strconv.Itoa(f.seq)
	f.byEmail[a.Email] = *a
	return nil
}

func (f *fakeAccounts) Update(_ context.Context, a *account.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[a.Email]; !ok {
		return account.ErrNotFound
	}
	f.byEmail[a.Email] = *a
	return nil
}

func (f *fakeAccounts) TouchLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, a := range f.byEmail {
		if a.ID == id {
			a.LastLoginAt = &at
			f.byEmail[email] = a
			return nil
		}
	}
	return account.ErrNotFound
}

func (f *fakeAccounts) UpsertAdmin(_ context.Context, email, plainPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.MinCost)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byEmail[email]
	if !ok {
		f.seq++
		a = account.Account{ID: "acc-" + strconv.Itoa(f.seq), Email: email, Provider: account.ProviderLocal, Active: true}
	}
	a.Role = account.RoleAdmin
	a.PasswordHash = string(hash)
	f.byEmail[email] = a
	return nil
}

func (f *fakeAccounts) RoleOf(ctx context.Context, id string) (string, error) {
	a, err := f.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", err, token.ErrSubjectInactive)
	}
	if !a.Active {
		return "", token.ErrSubjectInactive
	}
	return a.Role, nil
}

func (f *fakeAccounts) remove(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byEmail, email)
}

// failingStore answers every call with ErrUnavailable.
type failingStore struct{ store.TTLStore }

func (failingStore) Exists(context.Context, string) (bool, error) { return false, store.ErrUnavailable }
func (failingStore) Get(context.Context, string) (string, error)  { return "", store.ErrUnavailable }
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return store.ErrUnavailable
}

type harness struct {
	store       *store.Memory
	accounts    *fakeAccounts
	audit       *audit.Log
	ledger      *threat.Ledger
	tokens      *token.Service
	service     *Service
	middleware  *Middleware
	permissions *Permissions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	logger := observability.NewNopLogger()
	accounts := newFakeAccounts()
	auditLog := audit.NewLog(st, logger)
	ledger := threat.NewLedger(st, auditLog, logger)
	scanner := threat.NewScanner(ledger, auditLog, logger)
	tokens := token.NewService(st, accounts, testSecret)
	permissions, err := NewPermissions(auditLog)
	require.NoError(t, err)

	return &harness{
		store:       st,
		accounts:    accounts,
		audit:       auditLog,
		ledger:      ledger,
		tokens:      tokens,
		service:     NewService(accounts, tokens, ledger, auditLog, logger),
		middleware:  NewMiddleware(tokens, scanner, ledger, auditLog, logger),
		permissions: permissions,
	}
}

func recordsOfType(t *testing.T, log *audit.Log, eventType string) []audit.Record {
	t.Helper()
	records, err := log.Recent(context.Background(), 0)
	require.NoError(t, err)
	var out []audit.Record
	for _, rec := range records {
		if rec.Type == eventType {
			out = append(out, rec)
		}
	}
	return out
}
