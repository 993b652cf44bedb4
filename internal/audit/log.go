package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
)

const defaultWriteTimeout = 2 * time.Second

var sensitivePathMarkers = []string{"/auth/", "/sessions/", "/admin/", "/profile/", "/users/", "password"}

// Log persists audit records. Writes never fail the caller: persistence
// errors are logged and counted, and the request carries on.
type Log struct {
	store        store.TTLStore
	logger       *observability.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

func NewLog(st store.TTLStore, logger *observability.Logger) *Log {
	return &Log{
		store:        st,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
}

func (l *Log) LogSecurityEvent(ctx context.Context, eventType string, severity Severity, userID, ip, description string, details map[string]any) {
	l.persist(ctx, &Record{
		Category:    CategorySecurity,
		Type:        eventType,
		Severity:    severity,
		UserID:      userID,
		IPAddress:   ip,
		Description: description,
		Details:     details,
	})
}

func (l *Log) LogUserAction(ctx context.Context, userID, action, description string, details map[string]any) {
	l.persist(ctx, &Record{
		Category:    CategoryUserAction,
		Type:        action,
		Severity:    SeverityInfo,
		UserID:      userID,
		Description: description,
		Details:     details,
	})
}

func (l *Log) LogLoginAttempt(ctx context.Context, email, ip string, success bool, userAgent, failureReason string) {
	rec := &Record{
		Category:    CategoryLogin,
		Type:        "LOGIN_SUCCESS",
		Severity:    SeverityInfo,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Description: "Successful login for " + email,
		Details:     map[string]any{"email": email, "success": success},
	}
	if !success {
		rec.Type = "LOGIN_FAILURE"
		rec.Severity = SeverityWarn
		rec.Description = "Failed login for " + email
		if failureReason != "" {
			rec.Details["reason"] = failureReason
		}
	}
	l.persist(ctx, rec)
}

func (l *Log) LogOAuth2Event(ctx context.Context, eventType, provider, userID, email string, success bool, details map[string]any) {
	merged := map[string]any{"provider": provider, "email": email, "success": success}
	for k, v := range details {
		merged[k] = v
	}
	severity := SeverityInfo
	if !success {
		severity = SeverityWarn
	}
	l.persist(ctx, &Record{
		Category:    CategoryOAuth2,
		Type:        eventType,
		Severity:    severity,
		UserID:      userID,
		Description: fmt.Sprintf("OAuth2 %s via %s", strings.ToLower(eventType), provider),
		Details:     merged,
	})
}

// LogAPIAccess records a request only when the endpoint is sensitive or the
// response failed. It reports whether the access was recorded.
func (l *Log) LogAPIAccess(ctx context.Context, method, path string, status int, userID, ip string, duration time.Duration) bool {
	if !ShouldRecordAPIAccess(method, path, status) {
		return false
	}
	severity := SeverityDebug
	if status >= http.StatusBadRequest {
		severity = SeverityWarn
	}
	l.persist(ctx, &Record{
		Category:    CategoryAPIAccess,
		Type:        "API_ACCESS",
		Severity:    severity,
		UserID:      userID,
		IPAddress:   ip,
		Description: method + " " + path,
		Details: map[string]any{
			"method":      method,
			"path":        path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		},
	})
	return true
}

// ShouldRecordAPIAccess bounds API log volume to sensitive endpoints and
// failed responses.
func ShouldRecordAPIAccess(method, path string, status int) bool {
	if status >= http.StatusBadRequest {
		return true
	}
	lower := strings.ToLower(path)
	for _, marker := range sensitivePathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.Contains(lower, "/properties") {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			return true
		}
	}
	return false
}

func (l *Log) persist(ctx context.Context, rec *Record) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	rec.ID = id.String()
	rec.Timestamp = l.now().UTC()

	l.emit(rec)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	if err := l.write(ctx, rec); err != nil {
		metrics.AuditWriteFailures.WithLabelValues(string(rec.Category)).Inc()
		l.logger.Warn("audit_write_failed", map[string]any{
			"category": rec.Category,
			"type":     rec.Type,
			"id":       rec.ID,
			"error":    err.Error(),
		})
	}
}

func (l *Log) write(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	key := namespace(rec.Category) + rec.ID
	if err := l.store.Set(ctx, key, string(payload), retention(rec.Category)); err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}
	if err := l.store.PushCapped(ctx, recentEventsKey, key, RecentLimit); err != nil {
		return fmt.Errorf("push recent audit record: %w", err)
	}

	if rec.UserID == "" {
		return nil
	}
	switch rec.Category {
	case CategorySecurity:
		return l.store.PushCapped(ctx, userEventsPrefix+rec.UserID, key, PerUserLimit)
	case CategoryUserAction:
		return l.store.PushCapped(ctx, userActionPrefix+rec.UserID, key, PerUserLimit)
	}
	return nil
}

func (l *Log) emit(rec *Record) {
	fields := map[string]any{
		"audit_id":    rec.ID,
		"category":    rec.Category,
		"type":        rec.Type,
		"severity":    rec.Severity,
		"user_id":     rec.UserID,
		"ip":          rec.IPAddress,
		"description": rec.Description,
	}
	switch rec.Severity {
	case SeverityHigh, SeverityCritical:
		l.logger.Error("audit", fields)
	case SeverityWarn:
		l.logger.Warn("audit", fields)
	case SeverityDebug:
		l.logger.Debug("audit", fields)
	default:
		l.logger.Info("audit", fields)
	}
}

// Recent returns up to limit records across all categories, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	return l.load(ctx, recentEventsKey, limit)
}

func (l *Log) UserActions(ctx context.Context, userID string, limit int) ([]Record, error) {
	return l.load(ctx, userActionPrefix+userID, limit)
}

func (l *Log) UserSecurityEvents(ctx context.Context, userID string, limit int) ([]Record, error) {
	return l.load(ctx, userEventsPrefix+userID, limit)
}

// load resolves a recency list into records, skipping entries whose record
// has already expired.
func (l *Log) load(ctx context.Context, listKey string, limit int) ([]Record, error) {
	if limit <= 0 || limit > RecentLimit {
		limit = RecentLimit
	}
	keys, err := l.store.Range(ctx, listKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("read recency list: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		payload, err := l.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read audit record %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record %s: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
