// Package threat detects SQL injection, XSS and path traversal signatures in
// request input and turns repeated detections from one IP into timed blocks.
package threat

import (
	"context"
	"net/http"
	"regexp"
	"unicode/utf8"

	"estate-auth/internal/audit"
	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
)

const maxLoggedInput = 100

const handlerAttr = `\bon(load|unload|error|abort|click|dblclick|mouse\w*|pointer\w*|key\w*|focus\w*|blur|change|input|submit|reset|select|scroll|resize|toggle|begin|end|animation\w*|transition\w*|drag\w*|drop|wheel|contextmenu)\s*=`

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)'\s*(or|and)\s+['"\d]`),
	regexp.MustCompile(`(?i)'\s*(--|#|;|/\*)`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|select|create|alter|exec|execute|truncate)\b`),
	regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
	regexp.MustCompile(`(?i)\bselect\b.+\bfrom\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\bupdate\b.+\bset\b.*=`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)\b(create|alter)\s+(table|database|user|schema)\b`),
	regexp.MustCompile(`(?i)\b(exec|execute)\s*\(`),
	regexp.MustCompile(`(?i)\bxp_\w+`),
	regexp.MustCompile(`(?i)<\s*(script|iframe)`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)` + handlerAttr),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)` + handlerAttr),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe\s*>`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/|\\)`),
	regexp.MustCompile(`(?i)/etc/passwd`),
	regexp.MustCompile(`(?i)\\windows\\system32`),
}

func matchAny(patterns []*regexp.Regexp, input string) bool {
	for _, p := range patterns {
		if p.MatchString(input) {
			return true
		}
	}
	return false
}

func DetectSQLInjection(input string) bool {
	return input != "" && matchAny(sqlInjectionPatterns, input)
}

func DetectXSS(input string) bool {
	return input != "" && matchAny(xssPatterns, input)
}

func DetectPathTraversal(input string) bool {
	return input != "" && matchAny(pathTraversalPatterns, input)
}

// Result reports which categories matched one input.
type Result struct {
	SQLInjection  bool `json:"sql_injection"`
	XSS           bool `json:"xss"`
	PathTraversal bool `json:"path_traversal"`
}

func (r Result) Any() bool {
	return r.SQLInjection || r.XSS || r.PathTraversal
}

// Scanner runs the detectors and records what they find. Detection never
// rejects the request being scanned.
type Scanner struct {
	ledger *Ledger
	audit  *audit.Log
	logger *observability.Logger
}

func NewScanner(ledger *Ledger, auditLog *audit.Log, logger *observability.Logger) *Scanner {
	return &Scanner{ledger: ledger, audit: auditLog, logger: logger}
}

// Scan checks one input. Each matched category logs a security event and
// bumps the IP's counter for that category.
func (s *Scanner) Scan(ctx context.Context, input, source, clientIP string) Result {
	result := s.inspect(ctx, input, source, clientIP)
	s.count(ctx, clientIP, result)
	return result
}

func (s *Scanner) inspect(ctx context.Context, input, source, clientIP string) Result {
	result := Result{
		SQLInjection:  DetectSQLInjection(input),
		XSS:           DetectXSS(input),
		PathTraversal: DetectPathTraversal(input),
	}
	if result.SQLInjection {
		s.report(ctx, CategorySQLInjection, input, source, clientIP)
	}
	if result.XSS {
		s.report(ctx, CategoryXSS, input, source, clientIP)
	}
	if result.PathTraversal {
		s.report(ctx, CategoryPathTraversal, input, source, clientIP)
	}
	return result
}

func (s *Scanner) report(ctx context.Context, category Category, input, source, clientIP string) {
	s.audit.LogSecurityEvent(ctx, audit.EventThreatDetected, audit.SeverityHigh, "", clientIP,
		string(category)+" pattern detected in "+source,
		map[string]any{
			"category": category,
			"source":   source,
			"input":    truncate(input, maxLoggedInput),
		})
}

func (s *Scanner) count(ctx context.Context, clientIP string, result Result) {
	for category, matched := range map[Category]bool{
		CategorySQLInjection:  result.SQLInjection,
		CategoryXSS:           result.XSS,
		CategoryPathTraversal: result.PathTraversal,
	} {
		if !matched {
			continue
		}
		metrics.ThreatsDetected.WithLabelValues(string(category)).Inc()
		if err := s.ledger.RecordThreat(ctx, clientIP, category); err != nil {
			s.logger.Warn("threat_counter_failed", map[string]any{
				"ip":       clientIP,
				"category": category,
				"error":    err.Error(),
			})
		}
	}
}

// ScanRequest scans every query and form value, every header value and the
// request URI. Every matching input is logged, but the request counts at
// most once per category however many of its inputs matched.
func (s *Scanner) ScanRequest(r *http.Request) bool {
	ctx := r.Context()
	ip := observability.ClientIP(r)
	var total Result

	scan := func(input, source string) {
		if input == "" {
			return
		}
		result := s.inspect(ctx, input, source, ip)
		total.SQLInjection = total.SQLInjection || result.SQLInjection
		total.XSS = total.XSS || result.XSS
		total.PathTraversal = total.PathTraversal || result.PathTraversal
	}

	// ParseForm only reads the body for form encodings; other bodies stay untouched.
	if err := r.ParseForm(); err != nil {
		s.logger.Debug("threat_scan_form_parse_failed", map[string]any{"error": err.Error()})
	}
	for name, values := range r.Form {
		scan(name, "param-name")
		for _, v := range values {
			scan(v, "param:"+name)
		}
	}
	for name, values := range r.Header {
		for _, v := range values {
			scan(v, "header:"+name)
		}
	}

	scan(r.RequestURI, "uri")
	if r.URL != nil && r.URL.Path != r.RequestURI {
		scan(r.URL.Path, "path")
	}

	s.count(ctx, ip, total)
	return total.Any()
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
