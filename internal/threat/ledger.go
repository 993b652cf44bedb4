package threat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"estate-auth/internal/audit"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
)

type Category string

const (
	CategorySQLInjection  Category = "SQLI"
	CategoryXSS           Category = "XSS"
	CategoryPathTraversal Category = "PATH_TRAVERSAL"
)

const (
	threatPrefix      = "threat:"
	blockedPrefix     = "blocked_ip:"
	failedLoginPrefix = "failed_login:"

	CounterWindow     = time.Hour
	FailedLoginWindow = time.Hour

	MixedThreshold       = 5
	CategoryThreshold    = 3
	FailedLoginThreshold = 10

	MixedBlockDuration    = 60 * time.Minute
	CategoryBlockDuration = 30 * time.Minute
)

const (
	ReasonMixed         = "Multiple security threats detected"
	ReasonSQLInjection  = "Multiple SQL injection attempts"
	ReasonXSS           = "Multiple XSS attempts"
	ReasonPathTraversal = "Multiple path traversal attempts"
)

// Counts are the live threat counters of one IP.
type Counts struct {
	SQLInjection  int64 `json:"sqli"`
	XSS           int64 `json:"xss"`
	PathTraversal int64 `json:"path_traversal"`
}

func (c Counts) Total() int64 {
	return c.SQLInjection + c.XSS + c.PathTraversal
}

// Ledger keeps per-IP threat counters, IP blocks and the failed-login
// counter. Pattern-based blocking and failed-login blocking share no keys and
// are evaluated independently.
type Ledger struct {
	store  store.TTLStore
	audit  *audit.Log
	logger *observability.Logger
}

func NewLedger(st store.TTLStore, auditLog *audit.Log, logger *observability.Logger) *Ledger {
	return &Ledger{store: st, audit: auditLog, logger: logger}
}

func threatKey(ip string, c Category) string {
	return threatPrefix + ip + ":" + string(c)
}

// RecordThreat bumps the counter for one category and restarts its window.
func (l *Ledger) RecordThreat(ctx context.Context, ip string, c Category) error {
	key := threatKey(ip, c)
	if _, err := l.store.Incr(ctx, key); err != nil {
		return fmt.Errorf("increment threat counter: %w", err)
	}
	if err := l.store.Expire(ctx, key, CounterWindow); err != nil {
		return fmt.Errorf("expire threat counter: %w", err)
	}
	return nil
}

func (l *Ledger) Counts(ctx context.Context, ip string) (Counts, error) {
	var (
		counts Counts
		err    error
	)
	if counts.SQLInjection, err = l.counter(ctx, threatKey(ip, CategorySQLInjection)); err != nil {
		return Counts{}, err
	}
	if counts.XSS, err = l.counter(ctx, threatKey(ip, CategoryXSS)); err != nil {
		return Counts{}, err
	}
	if counts.PathTraversal, err = l.counter(ctx, threatKey(ip, CategoryPathTraversal)); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

func (l *Ledger) counter(ctx context.Context, key string) (int64, error) {
	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// blockPolicy returns the block to apply for the given counters. Rules are
// checked in order and the first match wins.
func blockPolicy(c Counts) (reason string, duration time.Duration, ok bool) {
	switch {
	case c.Total() >= MixedThreshold:
		return ReasonMixed, MixedBlockDuration, true
	case c.SQLInjection >= CategoryThreshold:
		return ReasonSQLInjection, CategoryBlockDuration, true
	case c.XSS >= CategoryThreshold:
		return ReasonXSS, CategoryBlockDuration, true
	case c.PathTraversal >= CategoryThreshold:
		return ReasonPathTraversal, CategoryBlockDuration, true
	}
	return "", 0, false
}

// CheckAndBlock blocks the IP when its counters cross a threshold and reports
// whether a block was applied.
func (l *Ledger) CheckAndBlock(ctx context.Context, ip string) (bool, error) {
	counts, err := l.Counts(ctx, ip)
	if err != nil {
		return false, err
	}
	reason, duration, ok := blockPolicy(counts)
	if !ok {
		return false, nil
	}
	if err := l.Block(ctx, ip, reason, duration); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) IsBlocked(ctx context.Context, ip string) (bool, error) {
	blocked, err := l.store.Exists(ctx, blockedPrefix+ip)
	if err != nil {
		return false, fmt.Errorf("check ip block: %w", err)
	}
	return blocked, nil
}

// BlockStatus returns the reason and remaining duration of an active block.
// An empty reason means the IP is not blocked.
func (l *Ledger) BlockStatus(ctx context.Context, ip string) (string, time.Duration, error) {
	reason, err := l.store.Get(ctx, blockedPrefix+ip)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read ip block: %w", err)
	}
	remaining, err := l.store.TTL(ctx, blockedPrefix+ip)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read ip block ttl: %w", err)
	}
	return reason, remaining, nil
}

// Block stores an IP block. The security event is written even when the
// store rejects the block.
func (l *Ledger) Block(ctx context.Context, ip, reason string, duration time.Duration) error {
	if duration <= 0 {
		return errors.New("block duration must be positive")
	}

	setErr := l.store.Set(ctx, blockedPrefix+ip, reason, duration)
	if setErr == nil {
		metrics.IPBlocks.WithLabelValues(reason).Inc()
	}

	l.audit.LogSecurityEvent(ctx, audit.EventIPBlocked, audit.SeverityHigh, "", ip,
		fmt.Sprintf("IP %s blocked: %s", ip, reason),
		map[string]any{
			"reason":           reason,
			"duration_minutes": int64(duration / time.Minute),
			"applied":          setErr == nil,
		})

	if setErr != nil {
		return fmt.Errorf("store ip block: %w", setErr)
	}
	return nil
}

// Unblock lifts an active block early.
func (l *Ledger) Unblock(ctx context.Context, ip, actorID string) error {
	if err := l.store.Delete(ctx, blockedPrefix+ip); err != nil {
		return fmt.Errorf("delete ip block: %w", err)
	}
	l.audit.LogSecurityEvent(ctx, audit.EventIPUnblocked, audit.SeverityInfo, actorID, ip,
		fmt.Sprintf("IP %s unblocked", ip), nil)
	return nil
}

// RecordLoginAttempt audits the attempt and maintains the failed-login
// counter: failures increment it, a success clears it.
func (l *Ledger) RecordLoginAttempt(ctx context.Context, email, ip string, success bool, userAgent, failureReason string) {
	l.audit.LogLoginAttempt(ctx, email, ip, success, userAgent, failureReason)

	key := failedLoginPrefix + ip
	if success {
		if err := l.store.Delete(ctx, key); err != nil {
			l.logger.Warn("failed_login_reset_failed", map[string]any{"ip": ip, "error": err.Error()})
		}
		return
	}

	if _, err := l.store.Incr(ctx, key); err != nil {
		l.logger.Warn("failed_login_increment_failed", map[string]any{"ip": ip, "error": err.Error()})
		return
	}
	if err := l.store.Expire(ctx, key, FailedLoginWindow); err != nil {
		l.logger.Warn("failed_login_expire_failed", map[string]any{"ip": ip, "error": err.Error()})
	}
}

func (l *Ledger) FailedLoginCount(ctx context.Context, ip string) (int64, error) {
	return l.counter(ctx, failedLoginPrefix+ip)
}

func (l *Ledger) IsIPBlockedByLoginFailures(ctx context.Context, ip string) (bool, error) {
	n, err := l.FailedLoginCount(ctx, ip)
	if err != nil {
		return false, err
	}
	return n >= FailedLoginThreshold, nil
}
