package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"estate-auth/internal/metrics"
	"estate-auth/internal/observability"
)

// LoginRateLimit caps credential endpoints per client IP. It bounds request
// volume only and is independent of the failed-login counter.
func LoginRateLimit(maxHits int, window time.Duration) func(http.Handler) http.Handler {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return httprate.Limit(
		maxHits,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return observability.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
			if w.Header().Get("Retry-After") == "" {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			}
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
		}),
	)
}
