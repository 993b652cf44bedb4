// Package token issues and validates the signed access and refresh tokens and
// tracks their server-side state (stored refresh token, blacklist, per-user
// revocation) in the TTL store. All state transitions are evaluated lazily at
// validation time.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"estate-auth/internal/metrics"
	"estate-auth/internal/store"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	TypeAccess  = "ACCESS"
	TypeRefresh = "REFRESH"

	refreshPrefix   = "refresh:"
	blacklistPrefix = "blacklist:"
	revokedPrefix   = "revoked:"
)

var (
	ErrMalformed         = errors.New("token is malformed")
	ErrInvalidSignature  = errors.New("token signature is invalid")
	ErrExpired           = errors.New("token is expired")
	ErrWrongType         = errors.New("token has the wrong type")
	ErrBlacklisted       = errors.New("token is blacklisted")
	ErrRevoked           = errors.New("token subject has been revoked")
	ErrRefreshNotFound   = errors.New("refresh token not found")
	ErrRefreshMismatched = errors.New("refresh token does not match the stored token")
	ErrSubjectInactive   = errors.New("token subject no longer exists or is disabled")
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type Claims struct {
	Role string `json:"role,omitempty"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// RoleLookup resolves the current role of a user when an access token is
// minted from a refresh token, which carries no role. Implementations return
// an error wrapping ErrSubjectInactive for a removed or disabled user.
type RoleLookup interface {
	RoleOf(ctx context.Context, userID string) (string, error)
}

type Service struct {
	store      store.TTLStore
	roles      RoleLookup
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(st store.TTLStore, roles RoleLookup, secret string) *Service {
	return &Service{
		store:      st,
		roles:      roles,
		secret:     []byte(secret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

func (s *Service) WithLifetimes(accessTTL, refreshTTL time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *Service) IssueAccess(userID, role string) (string, error) {
	token, err := s.sign(userID, role, TypeAccess, s.accessTTL)
	if err != nil {
		return "", err
	}
	metrics.TokensIssued.WithLabelValues("access").Inc()
	return token, nil
}

// IssueRefresh signs a refresh token and overwrites the stored one for the
// user, which silently retires any refresh token issued before it.
func (s *Service) IssueRefresh(ctx context.Context, userID string) (string, error) {
	token, err := s.sign(userID, "", TypeRefresh, s.refreshTTL)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, refreshPrefix+userID, token, s.refreshTTL); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	metrics.TokensIssued.WithLabelValues("refresh").Inc()
	return token, nil
}

func (s *Service) sign(userID, role, tokenType string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("token subject is required")
	}
	now := s.now().UTC()
	claims := Claims{
		Role: role,
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// parse verifies structure, signature, expiry and type. It never touches the
// store.
func (s *Service) parse(raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}
	if claims.Type != wantType {
		return nil, ErrWrongType
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// ValidateAccess returns the principal for a valid access token. Store
// failures are returned as errors so callers fail closed.
func (s *Service) ValidateAccess(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.parse(raw, TypeAccess)
	if err != nil {
		return Principal{}, err
	}
	if claims.Role == "" {
		return Principal{}, ErrMalformed
	}

	blacklisted, err := s.store.Exists(ctx, blacklistPrefix+Hash(raw))
	if err != nil {
		return Principal{}, fmt.Errorf("check blacklist: %w", err)
	}
	if blacklisted {
		return Principal{}, ErrBlacklisted
	}

	revoked, err := s.store.Exists(ctx, revokedPrefix+claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Principal{}, ErrRevoked
	}

	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Refresh mints a new access token from a refresh token that still matches
// the stored one. The refresh token is not rotated, so it stays usable until
// it expires or is superseded.
func (s *Service) Refresh(ctx context.Context, raw string) (string, Principal, error) {
	claims, err := s.parse(raw, TypeRefresh)
	if err != nil {
		return "", Principal{}, err
	}

	stored, err := s.store.Get(ctx, refreshPrefix+claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return "", Principal{}, ErrRefreshNotFound
	}
	if err != nil {
		return "", Principal{}, fmt.Errorf("load refresh token: %w", err)
	}
	if stored != strings.TrimSpace(raw) {
		return "", Principal{}, ErrRefreshMismatched
	}

	role, err := s.roles.RoleOf(ctx, claims.Subject)
	if errors.Is(err, ErrSubjectInactive) {
		return "", Principal{}, ErrSubjectInactive
	}
	if err != nil {
		return "", Principal{}, fmt.Errorf("resolve role: %w", err)
	}

	access, err := s.IssueAccess(claims.Subject, role)
	if err != nil {
		return "", Principal{}, err
	}
	return access, Principal{UserID: claims.Subject, Role: role}, nil
}

// Blacklist suppresses one access token for the rest of its lifetime.
// Already expired tokens are ignored.
func (s *Service) Blacklist(ctx context.Context, raw string) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return classify(err)
	}
	if claims.ExpiresAt == nil {
		return ErrMalformed
	}

	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	if err := s.store.Set(ctx, blacklistPrefix+Hash(raw), "1", remaining); err != nil {
		return fmt.Errorf("store blacklist entry: %w", err)
	}
	return nil
}

// RevokeRefresh forgets the stored refresh token of a user.
func (s *Service) RevokeRefresh(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, refreshPrefix+userID); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// RevokeAll logs a user out everywhere: the refresh token is dropped and a
// revocation marker rejects outstanding access tokens until they would have
// expired anyway.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.RevokeRefresh(ctx, userID); err != nil {
		return err
	}
	if err := s.store.Set(ctx, revokedPrefix+userID, "1", s.accessTTL); err != nil {
		return fmt.Errorf("store revocation marker: %w", err)
	}
	return nil
}

// Hash is the blacklist key material for a compact token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
