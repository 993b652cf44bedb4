// Package audit records security events, user actions, login attempts, OAuth2
// events and sensitive API access in the TTL store, each with a
// category-specific retention, and keeps capped recency lists for quick
// recent-activity queries.
package audit

import "time"

type Category string

const (
	CategorySecurity   Category = "SECURITY"
	CategoryUserAction Category = "USER_ACTION"
	CategoryLogin      Category = "LOGIN"
	CategoryOAuth2     Category = "OAUTH2"
	CategoryAPIAccess  Category = "API_ACCESS"
)

type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event types used across the auth core.
const (
	EventThreatDetected       = "THREAT_DETECTED"
	EventIPBlocked            = "IP_BLOCKED"
	EventIPUnblocked          = "IP_UNBLOCKED"
	EventAuthenticationFailed = "AUTHENTICATION_FAILED"
	EventUserRegistered       = "USER_REGISTERED"
	EventEmailMissing         = "OAUTH2_EMAIL_MISSING"
	EventProviderMismatch     = "OAUTH2_PROVIDER_MISMATCH"
	EventAccountReactivated   = "ACCOUNT_REACTIVATED"
	EventLogoutAll            = "LOGOUT_ALL"
	EventBlockedRequest       = "BLOCKED_REQUEST"
	EventAccessDenied         = "ACCESS_DENIED"
)

const (
	SecurityRetention   = 30 * 24 * time.Hour
	LoginRetention      = 30 * 24 * time.Hour
	OAuth2Retention     = 30 * 24 * time.Hour
	UserActionRetention = 7 * 24 * time.Hour
	APIAccessRetention  = 7 * 24 * time.Hour

	RecentLimit      = 1000
	PerUserLimit     = 100
	recentEventsKey  = "security:events:recent"
	userEventsPrefix = "user_security_events:"
	userActionPrefix = "user_actions:"
)

// Record is one persisted audit entry.
type Record struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Category    Category       `json:"category"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	UserID      string         `json:"user_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// namespace returns the key prefix a category is stored under.
func namespace(c Category) string {
	switch c {
	case CategorySecurity:
		return "security_event:"
	case CategoryUserAction:
		return "user_action:"
	case CategoryLogin:
		return "audit_log:login:"
	case CategoryOAuth2:
		return "audit_log:oauth2:"
	default:
		return "audit_log:api:"
	}
}

func retention(c Category) time.Duration {
	switch c {
	case CategorySecurity:
		return SecurityRetention
	case CategoryLogin:
		return LoginRetention
	case CategoryOAuth2:
		return OAuth2Retention
	case CategoryUserAction:
		return UserActionRetention
	default:
		return APIAccessRetention
	}
}
