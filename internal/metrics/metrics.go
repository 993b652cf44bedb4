// Package metrics holds the prometheus collectors for the authentication and
// threat-detection paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts signed tokens by type (access, refresh).
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type"},
	)

	// AuthFailures counts rejected authentications by reason.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total number of rejected authentication attempts",
		},
		[]string{"reason"},
	)

	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threats_detected_total",
			Help: "Total number of threat pattern matches",
		},
		[]string{"category"},
	)

	IPBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ip_blocks_total",
			Help: "Total number of IP blocks applied",
		},
		[]string{"reason"},
	)

	BlockedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blocked_requests_total",
			Help: "Total number of requests rejected because the client IP is blocked",
		},
	)

	// LoginAttempts counts password logins by outcome (success, failure, blocked).
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Total number of password login attempts",
		},
		[]string{"outcome"},
	)

	OAuth2Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth2_logins_total",
			Help: "Total number of OAuth2 login reconciliations",
		},
		[]string{"provider", "outcome"},
	)

	AuditWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit records that could not be persisted",
		},
		[]string{"category"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_circuit_breaker_open",
			Help: "1 when the TTL store circuit breaker is open",
		},
	)
)
