package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"estate-auth/internal/token"
)

const uniqueViolation = "23505"

const selectColumns = `
	SELECT id, email, name, avatar_url, provider, provider_user_id, role, password_hash,
		email_verified, active, last_login_at, created_at, updated_at
	FROM accounts
`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a         Account
		lastLogin sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.AvatarURL, &a.Provider, &a.ProviderUserID, &a.Role,
		&a.PasswordHash, &a.EmailVerified, &a.Active, &lastLogin, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		a.LastLoginAt = &value
	}
	return a, nil
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, selectColumns+` WHERE email = $1`, NormalizeEmail(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}
	return a, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}
	return a, nil
}

// Create inserts a new account, filling in its ID and timestamps.
func (r *Repository) Create(ctx context.Context, a *Account) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}
	now := time.Now().UTC()

	a.ID = id.String()
	a.Email = NormalizeEmail(a.Email)
	if a.Role == "" {
		a.Role = DefaultRole
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, avatar_url, provider, provider_user_id, role, password_hash,
			email_verified, active, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, a.ID, a.Email, a.Name, a.AvatarURL, a.Provider, a.ProviderUserID, a.Role, a.PasswordHash,
		a.EmailVerified, a.Active, nullTime(a.LastLoginAt), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Update writes back the mutable profile and status fields.
func (r *Repository) Update(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET name = $2, avatar_url = $3, provider_user_id = $4, role = $5, password_hash = $6,
			email_verified = $7, active = $8, last_login_at = $9, updated_at = $10
		WHERE id = $1
	`, a.ID, a.Name, a.AvatarURL, a.ProviderUserID, a.Role, a.PasswordHash,
		a.EmailVerified, a.Active, nullTime(a.LastLoginAt), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET last_login_at = $2 WHERE id = $1
	`, id, at.UTC()); err != nil {
		return fmt.Errorf("touch account login: %w", err)
	}
	return nil
}

// RoleOf resolves the current role of an active account.
func (r *Repository) RoleOf(ctx context.Context, id string) (string, error) {
	var (
		role   string
		active bool
	)
	err := r.db.QueryRowContext(ctx, `SELECT role, active FROM accounts WHERE id = $1`, id).Scan(&role, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %w", ErrNotFound, token.ErrSubjectInactive)
		}
		return "", fmt.Errorf("query account role: %w", err)
	}
	if !active {
		return "", fmt.Errorf("account %s disabled: %w", id, token.ErrSubjectInactive)
	}
	return role, nil
}

// UpsertAdmin makes sure a local ADMIN account with the given credentials
// exists.
func (r *Repository) UpsertAdmin(ctx context.Context, email, plainPassword string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, provider, role, password_hash, email_verified, active, created_at, updated_at)
		VALUES ($1, $2, 'Administrator', $3, $4, $5, TRUE, TRUE, $6, $6)
		ON CONFLICT (email) DO UPDATE
		SET role = EXCLUDED.role,
			password_hash = EXCLUDED.password_hash,
			provider = EXCLUDED.provider,
			active = TRUE,
			updated_at = EXCLUDED.updated_at
	`, id.String(), NormalizeEmail(email), ProviderLocal, RoleAdmin, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert admin account: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
