package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"estate-auth/internal/account"
	"estate-auth/internal/audit"
	"estate-auth/internal/identity"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
	"estate-auth/internal/threat"
	"estate-auth/internal/token"
)

// dummyHash keeps unknown-email logins as slow as wrong-password logins.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	Create(ctx context.Context, a *account.Account) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	UpsertAdmin(ctx context.Context, email, plainPassword string) error
}

type Service struct {
	accounts AccountStore
	tokens   *token.Service
	ledger   *threat.Ledger
	audit    *audit.Log
	logger   *observability.Logger
	now      func() time.Time
}

func NewService(accounts AccountStore, tokens *token.Service, ledger *threat.Ledger, auditLog *audit.Log, logger *observability.Logger) *Service {
	return &Service{
		accounts: accounts,
		tokens:   tokens,
		ledger:   ledger,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// Client describes where a credential request came from.
type Client struct {
	IP        string
	UserAgent string
}

func (s *Service) Register(ctx context.Context, email, password, name string, client Client) (Tokens, error) {
	email = account.NormalizeEmail(email)

	existing, err := s.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Provider != account.ProviderLocal {
			return Tokens{}, identity.ProviderMismatchError{Provider: existing.Provider}
		}
		return Tokens{}, account.ErrEmailTaken
	case !errors.Is(err, account.ErrNotFound):
		return Tokens{}, fmt.Errorf("find account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Tokens{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	created := account.Account{
		Email:        email,
		Name:         strings.TrimSpace(name),
		Provider:     account.ProviderLocal,
		Role:         account.DefaultRole,
		PasswordHash: string(hash),
		Active:       true,
		LastLoginAt:  &now,
	}
	if err := s.accounts.Create(ctx, &created); err != nil {
		return Tokens{}, err
	}

	s.audit.LogSecurityEvent(ctx, audit.EventUserRegistered, audit.SeverityInfo, created.ID, client.IP,
		"New account registered with password", map[string]any{"provider": account.ProviderLocal, "email": email})
	s.audit.LogUserAction(ctx, created.ID, "ACCOUNT_CREATED", "Account created with password", nil)

	return s.IssueTokens(ctx, token.Principal{UserID: created.ID, Role: created.Role})
}

// Login checks the failed-login block first, then the credentials. Every
// attempt past the block check is recorded against the client IP.
func (s *Service) Login(ctx context.Context, email, password string, client Client) (Tokens, error) {
	email = account.NormalizeEmail(email)

	blocked, err := s.ledger.IsIPBlockedByLoginFailures(ctx, client.IP)
	if err != nil {
		return Tokens{}, fmt.Errorf("check failed logins: %w", err)
	}
	if blocked {
		metrics.LoginAttempts.WithLabelValues("blocked").Inc()
		return Tokens{}, ErrLoginLocked{RetryAfter: threat.FailedLoginWindow}
	}

	found, err := s.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return Tokens{}, fmt.Errorf("find account: %w", err)
	}
	if errors.Is(err, account.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Tokens{}, s.fail(ctx, email, client, "unknown account", ErrInvalidCredentials)
	}

	if found.Provider != account.ProviderLocal {
		return Tokens{}, s.fail(ctx, email, client, "registered with "+found.Provider,
			identity.ProviderMismatchError{Provider: found.Provider})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, s.fail(ctx, email, client, "bad password", ErrInvalidCredentials)
	}
	if !found.Active {
		return Tokens{}, s.fail(ctx, email, client, "account disabled", ErrAccountDisabled)
	}

	s.ledger.RecordLoginAttempt(ctx, email, client.IP, true, client.UserAgent, "")
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	if err := s.accounts.TouchLogin(ctx, found.ID, s.now()); err != nil {
		s.logger.Warn("touch_login_failed", map[string]any{"user_id": found.ID, "error": err.Error()})
	}

	return s.IssueTokens(ctx, token.Principal{UserID: found.ID, Role: found.Role})
}

func (s *Service) fail(ctx context.Context, email string, client Client, reason string, err error) error {
	metrics.LoginAttempts.WithLabelValues("failure").Inc()
	s.ledger.RecordLoginAttempt(ctx, email, client.IP, false, client.UserAgent, reason)
	return err
}

// IssueTokens mints an access token and a refresh token, replacing any
// refresh token the user held before.
func (s *Service) IssueTokens(ctx context.Context, principal token.Principal) (Tokens, error) {
	access, err := s.tokens.IssueAccess(principal.UserID, principal.Role)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.tokens.IssueRefresh(ctx, principal.UserID)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Refresh returns a new access token together with the same refresh token.
// Rejected refresh tokens are audited like any other failed authentication.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	access, _, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		if isTokenRejection(err) {
			label := failureLabel(err)
			metrics.AuthFailures.WithLabelValues(label).Inc()
			s.audit.LogSecurityEvent(ctx, audit.EventAuthenticationFailed, audit.SeverityWarn, "", client.IP,
				"Refresh token rejected", map[string]any{"cause": label, "user_agent": client.UserAgent})
		}
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Logout blacklists the presented access token and forgets the refresh
// token of its owner.
func (s *Service) Logout(ctx context.Context, principal token.Principal, accessToken string) error {
	if accessToken != "" {
		if err := s.tokens.Blacklist(ctx, accessToken); err != nil {
			return fmt.Errorf("blacklist access token: %w", err)
		}
	}
	if err := s.tokens.RevokeRefresh(ctx, principal.UserID); err != nil {
		return err
	}
	s.audit.LogUserAction(ctx, principal.UserID, "LOGOUT", "Logged out", nil)
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, principal token.Principal, client Client) error {
	if err := s.tokens.RevokeAll(ctx, principal.UserID); err != nil {
		return err
	}
	s.audit.LogSecurityEvent(ctx, audit.EventLogoutAll, audit.SeverityInfo, principal.UserID, client.IP,
		"All sessions revoked", nil)
	s.audit.LogUserAction(ctx, principal.UserID, "LOGOUT_ALL", "Logged out of all sessions", nil)
	return nil
}

func (s *Service) Me(ctx context.Context, principal token.Principal) (account.Account, error) {
	return s.accounts.FindByID(ctx, principal.UserID)
}

// BootstrapAdmin ensures the configured administrator exists. Empty
// credentials skip the bootstrap.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = account.NormalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if err := s.accounts.UpsertAdmin(ctx, email, password); err != nil {
		return err
	}
	s.logger.Info("admin_bootstrapped", map[string]any{"email": email})
	return nil
}
