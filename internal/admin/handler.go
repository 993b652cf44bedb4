// Package admin exposes security administration over HTTP: recent audit
// records, per-user activity, explicit IP blocks and IP status.
package admin

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"estate-auth/internal/audit"
	"estate-auth/internal/auth"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
	"estate-auth/internal/threat"
)

type Handler struct {
	audit    *audit.Log
	ledger   *threat.Ledger
	logger   *observability.Logger
	validate *validator.Validate
}

func NewHandler(auditLog *audit.Log, ledger *threat.Ledger, logger *observability.Logger) *Handler {
	return &Handler{
		audit:    auditLog,
		ledger:   ledger,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type blockRequest struct {
	IP              string `json:"ip" validate:"required,ip"`
	Reason          string `json:"reason" validate:"required,max=200"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1,max=43200"`
}

type ipStatus struct {
	IP               string        `json:"ip"`
	Blocked          bool          `json:"blocked"`
	Reason           string        `json:"reason,omitempty"`
	RemainingSeconds int64         `json:"remaining_seconds,omitempty"`
	Threats          threat.Counts `json:"threats"`
	FailedLogins     int64         `json:"failed_logins"`
	LoginLocked      bool          `json:"login_locked"`
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	records, err := h.audit.Recent(r.Context(), limitParam(r))
	if err != nil {
		h.fail(w, "admin_recent_events_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "count": len(records)})
}

func (h *Handler) UserActions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	records, err := h.audit.UserActions(r.Context(), userID, limitParam(r))
	if err != nil {
		h.fail(w, "admin_user_actions_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "actions": records})
}

func (h *Handler) UserSecurityEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	records, err := h.audit.UserSecurityEvents(r.Context(), userID, limitParam(r))
	if err != nil {
		h.fail(w, "admin_user_events_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "events": records})
}

func (h *Handler) BlockIP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

	var body blockRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	body.Reason = strings.TrimSpace(body.Reason)
	if err := h.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip, reason and duration_minutes (1-43200) are required"})
		return
	}

	duration := time.Duration(body.DurationMinutes) * time.Minute
	if err := h.ledger.Block(r.Context(), body.IP, body.Reason, duration); err != nil {
		h.fail(w, "admin_block_failed", err)
		return
	}

	actor, _ := auth.PrincipalFrom(r.Context())
	h.audit.LogUserAction(r.Context(), actor.UserID, "IP_BLOCKED", "Blocked IP "+body.IP,
		map[string]any{"ip": body.IP, "reason": body.Reason, "duration_minutes": body.DurationMinutes})
	h.logger.Info("admin_ip_blocked", map[string]any{"ip": body.IP, "actor": actor.UserID, "minutes": body.DurationMinutes})

	writeJSON(w, http.StatusCreated, map[string]any{
		"ip":               body.IP,
		"reason":           body.Reason,
		"duration_minutes": body.DurationMinutes,
	})
}

func (h *Handler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipParam(w, r)
	if !ok {
		return
	}
	actor, _ := auth.PrincipalFrom(r.Context())
	if err := h.ledger.Unblock(r.Context(), ip, actor.UserID); err != nil {
		h.fail(w, "admin_unblock_failed", err)
		return
	}
	h.audit.LogUserAction(r.Context(), actor.UserID, "IP_UNBLOCKED", "Unblocked IP "+ip, map[string]any{"ip": ip})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) IPStatus(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	reason, remaining, err := h.ledger.BlockStatus(ctx, ip)
	if err != nil {
		h.fail(w, "admin_ip_status_failed", err)
		return
	}
	counts, err := h.ledger.Counts(ctx, ip)
	if err != nil {
		h.fail(w, "admin_ip_status_failed", err)
		return
	}
	failed, err := h.ledger.FailedLoginCount(ctx, ip)
	if err != nil {
		h.fail(w, "admin_ip_status_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, ipStatus{
		IP:               ip,
		Blocked:          reason != "",
		Reason:           reason,
		RemainingSeconds: int64(remaining.Seconds()),
		Threats:          counts,
		FailedLogins:     failed,
		LoginLocked:      failed >= threat.FailedLoginThreshold,
	})
}

func ipParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := strings.TrimSpace(chi.URLParam(r, "ip"))
	if net.ParseIP(ip) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ip address"})
		return "", false
	}
	return ip, true
}

func (h *Handler) fail(w http.ResponseWriter, event string, err error) {
	h.logger.Error(event, map[string]any{"error": err.Error()})
	if errors.Is(err, store.ErrUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "security store unavailable"})
		return
	}
	sentry.CaptureException(err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
