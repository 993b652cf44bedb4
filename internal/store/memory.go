package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process TTLStore backed by go-cache. It serves single
// instance deployments and tests; state is lost on restart.
type Memory struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Memory{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

// remaining converts an absolute go-cache expiry back to a duration usable
// with Set; zero time means the item never expires.
func remaining(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return gocache.NoExpiration
	}
	return time.Until(expiresAt)
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Set(key, value, expiration(ttl))
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("store: key %s holds a list", key)
	}
	return s, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cache.Get(key)
	return ok, nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	value, expiresAt, ok := m.cache.GetWithExpiration(key)
	if !ok {
		m.cache.Set(key, "1", gocache.NoExpiration)
		return 1, nil
	}

	s, isString := value.(string)
	if !isString {
		return 0, fmt.Errorf("store: key %s holds a list", key)
	}
	current, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: key %s is not an integer", key)
	}
	current++
	m.cache.Set(key, strconv.FormatInt(current, 10), remaining(expiresAt))
	return current, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.cache.Get(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		m.cache.Delete(key)
		return nil
	}
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, expiresAt, ok := m.cache.GetWithExpiration(key)
	if !ok {
		return 0, ErrNotFound
	}
	if expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(expiresAt), nil
}

func (m *Memory) PushCapped(ctx context.Context, key, value string, maxLen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []string
	ttl := gocache.NoExpiration
	if existing, expiresAt, ok := m.cache.GetWithExpiration(key); ok {
		current, isList := existing.([]string)
		if !isList {
			return fmt.Errorf("store: key %s does not hold a list", key)
		}
		list = current
		ttl = remaining(expiresAt)
	}

	next := make([]string, 0, len(list)+1)
	next = append(next, value)
	next = append(next, list...)
	if maxLen > 0 && int64(len(next)) > maxLen {
		next = next[:maxLen]
	}
	m.cache.Set(key, next, ttl)
	return nil
}

func (m *Memory) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.cache.Get(key)
	if !ok {
		return []string{}, nil
	}
	list, isList := value.([]string)
	if !isList {
		return nil, fmt.Errorf("store: key %s does not hold a list", key)
	}

	n := int64(len(list))
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Flush()
	return nil
}
