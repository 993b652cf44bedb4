// Package store defines the TTL key-value contract that all authentication
// state lives behind, with Redis and in-process implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("store: key not found")
	ErrUnavailable = errors.New("store: unavailable")
)

// TTLStore is the minimal contract the auth core needs. Implementations must
// make Incr atomic; no other cross-key atomicity is assumed.
type TTLStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ErrNotFound when the key is missing or expired.
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, zero for keys without expiry and
	// ErrNotFound for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// PushCapped prepends value to the list at key and trims it to maxLen.
	PushCapped(ctx context.Context, key, value string, maxLen int64) error
	// Range returns list elements newest first, inclusive of stop.
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
