package threat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-auth/internal/audit"
)

func TestBlockPolicyOrder(t *testing.T) {
	tests := []struct {
		name     string
		counts   Counts
		reason   string
		duration time.Duration
		blocked  bool
	}{
		{name: "clean", counts: Counts{}},
		{name: "below thresholds", counts: Counts{SQLInjection: 2, XSS: 1, PathTraversal: 1}},
		{name: "sqli", counts: Counts{SQLInjection: 3}, reason: ReasonSQLInjection, duration: 30 * time.Minute, blocked: true},
		{name: "xss", counts: Counts{XSS: 3, PathTraversal: 1}, reason: ReasonXSS, duration: 30 * time.Minute, blocked: true},
		{name: "path", counts: Counts{PathTraversal: 4}, reason: ReasonPathTraversal, duration: 30 * time.Minute, blocked: true},
		{name: "mixed", counts: Counts{SQLInjection: 1, XSS: 2, PathTraversal: 2}, reason: ReasonMixed, duration: 60 * time.Minute, blocked: true},
		{name: "total wins over category", counts: Counts{SQLInjection: 5}, reason: ReasonMixed, duration: 60 * time.Minute, blocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, duration, ok := blockPolicy(tt.counts)
			assert.Equal(t, tt.blocked, ok)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.duration, duration)
		})
	}
}

func TestThreeSQLInjectionRequestsBlockForThirtyMinutes(t *testing.T) {
	scanner, ledger, _ := newTestScanner(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/properties?q="+url.QueryEscape("' OR '1'='1"), nil)
		req.RemoteAddr = "1.2.3.4:5555"
		require.True(t, scanner.ScanRequest(req))
		_, err := ledger.CheckAndBlock(ctx, "1.2.3.4")
		require.NoError(t, err)
	}

	blocked, err := ledger.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, blocked)

	reason, remaining, err := ledger.BlockStatus(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, ReasonSQLInjection, reason)
	assert.InDelta(t, (30 * time.Minute).Seconds(), remaining.Seconds(), 2)

	// Clean follow-up traffic does not lift the block.
	clean := httptest.NewRequest(http.MethodGet, "/api/properties", nil)
	clean.RemoteAddr = "1.2.3.4:5555"
	assert.False(t, scanner.ScanRequest(clean))
	blocked, err = ledger.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestMixedThreatsBlockForSixtyMinutes(t *testing.T) {
	scanner, ledger, _ := newTestScanner(t)
	ctx := context.Background()
	ip := "5.6.7.8"

	for _, input := range []string{"eval(a)", "eval(b)", "../x", "../y", "1 UNION SELECT 1"} {
		scanner.Scan(ctx, input, "param:q", ip)
	}

	counts, err := ledger.Counts(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, Counts{SQLInjection: 1, XSS: 2, PathTraversal: 2}, counts)

	blocked, err := ledger.CheckAndBlock(ctx, ip)
	require.NoError(t, err)
	assert.True(t, blocked)

	reason, remaining, err := ledger.BlockStatus(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, ReasonMixed, reason)
	assert.InDelta(t, time.Hour.Seconds(), remaining.Seconds(), 2)
}

func TestThreatCounterWindowIsOneHour(t *testing.T) {
	_, ledger, _ := newTestScanner(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordThreat(ctx, "1.2.3.4", CategoryXSS))
	ttl, err := ledger.store.TTL(ctx, threatKey("1.2.3.4", CategoryXSS))
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 2)
}

func TestExplicitBlockLogsSecurityEvent(t *testing.T) {
	_, ledger, auditLog := newTestScanner(t)
	ctx := context.Background()

	require.NoError(t, ledger.Block(ctx, "9.9.9.9", "manual block", 10*time.Minute))

	blocked, err := ledger.IsBlocked(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, blocked)

	records, err := auditLog.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.EventIPBlocked, records[0].Type)
	assert.Equal(t, "9.9.9.9", records[0].IPAddress)

	assert.Error(t, ledger.Block(ctx, "9.9.9.9", "bad", 0))

	require.NoError(t, ledger.Unblock(ctx, "9.9.9.9", "admin-1"))
	blocked, err = ledger.IsBlocked(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, blocked)

	records, err = auditLog.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.EventIPUnblocked, records[0].Type)
	assert.Equal(t, "admin-1", records[0].UserID)
}

func TestFailedLoginCounter(t *testing.T) {
	_, ledger, _ := newTestScanner(t)
	ctx := context.Background()
	ip := "1.2.3.4"

	for i := 0; i < FailedLoginThreshold-1; i++ {
		ledger.RecordLoginAttempt(ctx, "a@example.com", ip, false, "curl", "bad password")
	}
	blocked, err := ledger.IsIPBlockedByLoginFailures(ctx, ip)
	require.NoError(t, err)
	assert.False(t, blocked)

	ledger.RecordLoginAttempt(ctx, "a@example.com", ip, false, "curl", "bad password")
	blocked, err = ledger.IsIPBlockedByLoginFailures(ctx, ip)
	require.NoError(t, err)
	assert.True(t, blocked)

	// Failed logins never feed the pattern-based block.
	patternBlocked, err := ledger.IsBlocked(ctx, ip)
	require.NoError(t, err)
	assert.False(t, patternBlocked)

	ledger.RecordLoginAttempt(ctx, "a@example.com", ip, true, "curl", "")
	n, err := ledger.FailedLoginCount(ctx, ip)
	require.NoError(t, err)
	assert.Zero(t, n)
}
