package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// OpTimeout bounds every single store round trip.
	OpTimeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

// Redis is the networked TTLStore. Calls run under a per-operation timeout
// and through a circuit breaker so an unreachable server fails fast with
// ErrUnavailable instead of stalling request handling.
type Redis struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker[struct{}]
	prefix    string
	opTimeout time.Duration
	logger    *observability.Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger *observability.Logger) (*Redis, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.OpTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	s := &Redis{
		client:    client,
		prefix:    cfg.Prefix,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
	}

	s.breaker = newBreaker("ttl-store", cfg.BreakerFailures, cfg.BreakerOpen, logger)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info("store_connected", map[string]any{"backend": "redis", "addr": cfg.Addr, "db": cfg.DB})
	return s, nil
}

// callerGone marks an error caused by the caller's own context ending. It
// says nothing about the server and must not count against the breaker.
type callerGone struct{ err error }

func (e callerGone) Error() string { return e.err.Error() }
func (e callerGone) Unwrap() error { return e.err }

func newBreaker(name string, failures uint32, open time.Duration, logger *observability.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    name,
		Timeout: open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var gone callerGone
			return err == nil || errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.StoreBreakerState.Set(1)
			} else {
				metrics.StoreBreakerState.Set(0)
			}
			logger.Warn("store_breaker_state_change", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

func (s *Redis) key(k string) string {
	return s.prefix + k
}

// do runs fn under the op timeout and the breaker. redis.Nil is not a
// failure; fn reports misses through its own return values. Only the op
// timeout and server errors count as breaker failures, never the caller
// cancelling or running out of time.
func (s *Redis) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.breaker.Execute(func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		err := fn(opCtx)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, callerGone{err: err}
		}
		return struct{}{}, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var gone callerGone
	if errors.As(err, &gone) {
		return gone.err
	}
	return err
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	var value string
	missing := false
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		value = v
		return err
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Exists(ctx, s.key(key)).Result()
		return err
	})
	return n == 1, err
}

func (s *Redis) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Incr(ctx, s.key(key)).Result()
		return err
	})
	return n, err
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Expire(ctx, s.key(key), ttl).Err()
	})
}

func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = s.client.TTL(ctx, s.key(key)).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	// -2: missing key, -1: no expiry.
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return 0, ErrNotFound
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

func (s *Redis) PushCapped(ctx context.Context, key, value string, maxLen int64) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, s.key(key), value)
			if maxLen > 0 {
				pipe.LTrim(ctx, s.key(key), 0, maxLen-1)
			}
			return nil
		})
		return err
	})
}

func (s *Redis) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		values, err = s.client.LRange(ctx, s.key(key), start, stop).Result()
		return err
	})
	return values, err
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *Redis) Close() error {
	return s.client.Close()
}
