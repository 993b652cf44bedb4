package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"estate-auth/internal/audit"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
	"estate-auth/internal/threat"
	"estate-auth/internal/token"
)

const (
	ReasonMissingToken      = "MISSING_TOKEN"
	ReasonInvalidAuthScheme = "INVALID_AUTH_SCHEME"
	ReasonInvalidToken      = "INVALID_TOKEN"
	ReasonIPBlocked         = "IP_BLOCKED"
)

// Middleware is the request-time composition of IP blocking, threat
// scanning, token validation and access auditing.
type Middleware struct {
	tokens  *token.Service
	scanner *threat.Scanner
	ledger  *threat.Ledger
	audit   *audit.Log
	logger  *observability.Logger
}

func NewMiddleware(tokens *token.Service, scanner *threat.Scanner, ledger *threat.Ledger, auditLog *audit.Log, logger *observability.Logger) *Middleware {
	return &Middleware{
		tokens:  tokens,
		scanner: scanner,
		ledger:  ledger,
		audit:   auditLog,
		logger:  logger,
	}
}

// Guard rejects blocked IPs before anything else runs, scans the request
// and audits sensitive or failed responses. Detection never rejects the
// request that triggered it.
func (m *Middleware) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		ip := observability.ClientIP(r)

		blocked, err := m.ledger.IsBlocked(ctx, ip)
		if err != nil {
			m.logger.Warn("ip_block_check_failed", map[string]any{"ip": ip, "error": err.Error()})
		}
		if blocked {
			metrics.BlockedRequests.Inc()
			m.audit.LogSecurityEvent(ctx, audit.EventBlockedRequest, audit.SeverityHigh, "", ip,
				"Request from blocked IP rejected",
				map[string]any{"method": r.Method, "path": r.URL.Path})
			writeEnvelope(w, r, http.StatusForbidden, "Forbidden", "Access from this address is temporarily blocked",
				ReasonIPBlocked, "Retry later or contact support")
			return
		}

		if m.scanner.ScanRequest(r) {
			if _, err := m.ledger.CheckAndBlock(ctx, ip); err != nil {
				m.logger.Warn("ip_block_evaluation_failed", map[string]any{"ip": ip, "error": err.Error()})
			}
		}

		slot := &principalSlot{}
		recorder := observability.NewStatusRecorder(w)
		next.ServeHTTP(recorder, r.WithContext(context.WithValue(ctx, slotKey{}, slot)))

		userID := ""
		if slot.set {
			userID = slot.principal.UserID
		}
		m.audit.LogAPIAccess(ctx, r.Method, r.URL.Path, recorder.StatusCode, userID, ip, time.Since(start))
	})
}

// Authenticate requires a valid access token and attaches its principal.
// Store failures while validating reject the request.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, reason := ExtractCredential(r)
		if reason != "" {
			m.reject(w, r, reason, nil)
			return
		}

		principal, err := m.tokens.ValidateAccess(r.Context(), raw)
		if err != nil {
			m.reject(w, r, ReasonInvalidToken, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), principal, raw)))
	})
}

// ExtractCredential finds the access token in priority order: bearer
// header, X-Auth-Token header, then the token query parameter. A non-empty
// reason means no usable credential was found.
func ExtractCredential(r *http.Request) (string, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), ""
		}
	}
	if value := strings.TrimSpace(r.Header.Get("X-Auth-Token")); value != "" {
		return value, ""
	}
	if value := strings.TrimSpace(r.URL.Query().Get("token")); value != "" {
		return value, ""
	}
	if header != "" {
		return "", ReasonInvalidAuthScheme
	}
	return "", ReasonMissingToken
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, reason string, cause error) {
	label := strings.ToLower(reason)
	fields := map[string]any{"reason": reason, "path": r.URL.Path, "method": r.Method}
	if cause != nil {
		label = failureLabel(cause)
		fields["cause"] = label
		if isStoreFailure(cause) {
			m.logger.Error("token_validation_store_failure", map[string]any{"error": cause.Error()})
		}
	}
	metrics.AuthFailures.WithLabelValues(label).Inc()

	m.audit.LogSecurityEvent(r.Context(), audit.EventAuthenticationFailed, audit.SeverityWarn, "",
		observability.ClientIP(r), "Authentication failed: "+reason, fields)
	writeUnauthorized(w, r, reason)
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, token.ErrWrongType):
		return "wrong_type"
	case errors.Is(err, token.ErrBlacklisted):
		return "blacklisted"
	case errors.Is(err, token.ErrRevoked):
		return "revoked"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	case errors.Is(err, token.ErrRefreshNotFound):
		return "refresh_not_found"
	case errors.Is(err, token.ErrRefreshMismatched):
		return "refresh_mismatched"
	case errors.Is(err, token.ErrSubjectInactive):
		return "subject_inactive"
	default:
		return "store_unavailable"
	}
}

func isStoreFailure(err error) bool {
	return failureLabel(err) == "store_unavailable"
}

var unauthorizedCopy = map[string][2]string{
	ReasonMissingToken: {
		"Authentication required",
		"Send an access token in the Authorization header as 'Bearer <token>'",
	},
	ReasonInvalidAuthScheme: {
		"Unsupported authorization scheme",
		"The Authorization header must use the Bearer scheme",
	},
	ReasonInvalidToken: {
		"Invalid or expired token",
		"Obtain a new access token with your refresh token or log in again",
	},
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	text := unauthorizedCopy[reason]
	writeEnvelope(w, r, http.StatusUnauthorized, "Unauthorized", text[0], reason, text[1])
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, errText, message, reason, hint string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	writeJSON(w, status, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
		"error":     errText,
		"message":   message,
		"path":      r.URL.Path,
		"reason":    reason,
		"hint":      hint,
	})
}
