package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"estate-auth/internal/account"
	"estate-auth/internal/identity"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
	"estate-auth/internal/token"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func clientOf(r *http.Request) Client {
	return Client{IP: observability.ClientIP(r), UserAgent: r.UserAgent()}
}

// decode reads a bounded JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fe := fieldErrs[0]
	return strings.ToLower(fe.Field()) + " is invalid (" + fe.Tag() + ")"
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Register(r.Context(), body.Email, body.Password, body.Name, clientOf(r))
	if err != nil {
		var mismatch identity.ProviderMismatchError
		switch {
		case errors.As(err, &mismatch):
			writeError(w, http.StatusConflict, mismatch.Error())
		case errors.Is(err, account.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			writeInternal(w, err, "failed to register")
		}
		return
	}

	writeJSON(w, http.StatusCreated, tokens)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password, clientOf(r))
	if err != nil {
		var (
			locked   ErrLoginLocked
			mismatch identity.ProviderMismatchError
		)
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountDisabled):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.As(err, &locked):
			w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
		case errors.As(err, &mismatch):
			writeError(w, http.StatusConflict, mismatch.Error())
		default:
			writeInternal(w, err, "failed to login")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, clientOf(r))
	if err != nil {
		if isTokenRejection(err) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		writeInternal(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.service.Logout(r.Context(), principal, accessTokenFrom(r.Context())); err != nil {
		writeInternal(w, err, "failed to logout")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := h.service.LogoutAll(r.Context(), principal, clientOf(r)); err != nil {
		writeInternal(w, err, "failed to logout")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	acc, err := h.service.Me(r.Context(), principal)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeInternal(w, err, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": principal, "account": acc})
}

func isTokenRejection(err error) bool {
	for _, target := range []error{
		token.ErrMalformed, token.ErrInvalidSignature, token.ErrExpired, token.ErrWrongType,
		token.ErrRefreshNotFound, token.ErrRefreshMismatched, token.ErrSubjectInactive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeInternal maps store outages to 503 and everything else to a
// reported 500.
func writeInternal(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, message)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
