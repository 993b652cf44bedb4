package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estate-auth/internal/account"
	"estate-auth/internal/audit"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
	"estate-auth/internal/token"
)

var (
	ErrEmailMissing        = errors.New("email not provided by identity provider")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
	ErrAccountUnavailable  = errors.New("account could not be resolved")
)

// ProviderMismatchError is returned when an email is already bound to a
// different provider. Its message is safe to show to the user.
type ProviderMismatchError struct {
	Provider string
}

func (e ProviderMismatchError) Error() string {
	return fmt.Sprintf("This email is already registered with %s. Please sign in with %s instead.", e.Provider, e.Provider)
}

// AccountStore is the slice of the account repository the bridge needs.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (account.Account, error)
	Create(ctx context.Context, a *account.Account) error
	Update(ctx context.Context, a *account.Account) error
}

type Bridge struct {
	accounts AccountStore
	registry *Registry
	audit    *audit.Log
	logger   *observability.Logger
	now      func() time.Time
}

func NewBridge(accounts AccountStore, registry *Registry, auditLog *audit.Log, logger *observability.Logger) *Bridge {
	return &Bridge{
		accounts: accounts,
		registry: registry,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile resolves a provider profile to a local account, creating or
// refreshing it as needed. An email bound to another provider is never
// modified.
func (b *Bridge) Reconcile(ctx context.Context, providerID string, attrs map[string]any) (token.Principal, error) {
	adapter, ok := b.registry.Lookup(providerID)
	if !ok {
		return token.Principal{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerID)
	}
	providerID = adapter.ID()
	info := adapter.Extract(attrs)

	if info.Email == "" {
		metrics.OAuth2Logins.WithLabelValues(providerID, "email_missing").Inc()
		b.audit.LogSecurityEvent(ctx, audit.EventEmailMissing, audit.SeverityWarn, "", "",
			"OAuth2 login without email from "+providerID,
			map[string]any{"provider": providerID, "provider_user_id": info.SubjectID})
		return token.Principal{}, ErrEmailMissing
	}
	info.Email = account.NormalizeEmail(info.Email)

	existing, err := b.accounts.FindByEmail(ctx, info.Email)
	switch {
	case err == nil:
		return b.reconcileExisting(ctx, providerID, info, existing)
	case errors.Is(err, account.ErrNotFound):
		principal, err := b.create(ctx, providerID, info)
		if !errors.Is(err, account.ErrEmailTaken) {
			return principal, err
		}
		// Lost a race with a concurrent first login for the same email.
		existing, err = b.accounts.FindByEmail(ctx, info.Email)
		if err != nil {
			return token.Principal{}, fmt.Errorf("%w: %v", ErrAccountUnavailable, err)
		}
		return b.reconcileExisting(ctx, providerID, info, existing)
	default:
		return token.Principal{}, fmt.Errorf("find account: %w", err)
	}
}

func (b *Bridge) reconcileExisting(ctx context.Context, providerID string, info UserInfo, existing account.Account) (token.Principal, error) {
	if existing.Provider != providerID {
		metrics.OAuth2Logins.WithLabelValues(providerID, "provider_mismatch").Inc()
		details := map[string]any{
			"email":              info.Email,
			"attempted_provider": providerID,
			"existing_provider":  existing.Provider,
		}
		b.audit.LogSecurityEvent(ctx, audit.EventProviderMismatch, audit.SeverityWarn, existing.ID, "",
			fmt.Sprintf("Login via %s for an account registered with %s", providerID, existing.Provider), details)
		b.audit.LogOAuth2Event(ctx, audit.EventProviderMismatch, providerID, existing.ID, info.Email, false, details)
		return token.Principal{}, ProviderMismatchError{Provider: existing.Provider}
	}

	changed := applyProfile(&existing, info)
	now := b.now().UTC()
	existing.LastLoginAt = &now

	if !existing.Active {
		existing.Active = true
		b.audit.LogSecurityEvent(ctx, audit.EventAccountReactivated, audit.SeverityInfo, existing.ID, "",
			"Account reactivated by OAuth2 login", map[string]any{"provider": providerID})
	}

	if err := b.accounts.Update(ctx, &existing); err != nil {
		return token.Principal{}, fmt.Errorf("update account: %w", err)
	}
	if len(changed) > 0 {
		b.audit.LogUserAction(ctx, existing.ID, "PROFILE_UPDATED", "Profile refreshed from "+providerID,
			map[string]any{"fields": changed, "provider": providerID})
	}

	return b.succeed(ctx, providerID, existing), nil
}

func (b *Bridge) create(ctx context.Context, providerID string, info UserInfo) (token.Principal, error) {
	now := b.now().UTC()
	created := account.Account{
		Email:          info.Email,
		Name:           info.Name,
		AvatarURL:      info.AvatarURL,
		Provider:       providerID,
		ProviderUserID: info.SubjectID,
		Role:           account.DefaultRole,
		EmailVerified:  true,
		Active:         true,
		LastLoginAt:    &now,
	}
	if err := b.accounts.Create(ctx, &created); err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			return token.Principal{}, err
		}
		return token.Principal{}, fmt.Errorf("create account: %w", err)
	}

	b.audit.LogSecurityEvent(ctx, audit.EventUserRegistered, audit.SeverityInfo, created.ID, "",
		"New account registered via "+providerID, map[string]any{"provider": providerID, "email": created.Email})
	b.audit.LogUserAction(ctx, created.ID, "ACCOUNT_CREATED", "Account created via "+providerID,
		map[string]any{"provider": providerID})

	return b.succeed(ctx, providerID, created), nil
}

func (b *Bridge) succeed(ctx context.Context, providerID string, a account.Account) token.Principal {
	metrics.OAuth2Logins.WithLabelValues(providerID, "success").Inc()
	b.audit.LogOAuth2Event(ctx, "LOGIN_SUCCESS", providerID, a.ID, a.Email, true, nil)
	return token.Principal{UserID: a.ID, Role: a.Role}
}

// applyProfile copies changed non-empty profile fields and returns the names
// of the fields it touched.
func applyProfile(a *account.Account, info UserInfo) []string {
	var changed []string
	if info.Name != "" && info.Name != a.Name {
		a.Name = info.Name
		changed = append(changed, "name")
	}
	if info.AvatarURL != "" && info.AvatarURL != a.AvatarURL {
		a.AvatarURL = info.AvatarURL
		changed = append(changed, "avatar_url")
	}
	if info.SubjectID != "" && info.SubjectID != a.ProviderUserID {
		a.ProviderUserID = info.SubjectID
		changed = append(changed, "provider_user_id")
	}
	if !a.EmailVerified {
		a.EmailVerified = true
		changed = append(changed, "email_verified")
	}
	return changed
}
