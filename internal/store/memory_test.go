package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "refresh:u1", "token", 50*time.Millisecond))

	got, err := s.Get(ctx, "refresh:u1")
	require.NoError(t, err)
	assert.Equal(t, "token", got)

	ttl, err := s.TTL(ctx, "refresh:u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 50*time.Millisecond)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Get(ctx, "refresh:u1")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "refresh:u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIncrKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)

	n, err := s.Incr(ctx, "threat:1.2.3.4:SQLI")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Expire(ctx, "threat:1.2.3.4:SQLI", time.Hour))

	n, err = s.Incr(ctx, "threat:1.2.3.4:SQLI")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := s.TTL(ctx, "threat:1.2.3.4:SQLI")
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 2)

	require.NoError(t, s.Set(ctx, "plain", "not-a-number", 0))
	_, err = s.Incr(ctx, "plain")
	assert.Error(t, err)
}

func TestMemoryTTLWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	_, err = s.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPushCappedTrims(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.PushCapped(ctx, "recent", v, 3))
	}

	all, err := s.Range(ctx, "recent", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, all)

	head, err := s.Range(ctx, "recent", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, head)

	empty, err := s.Range(ctx, "nothing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemory(time.Minute)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
