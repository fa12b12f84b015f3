package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

// Error codes surfaced in the response envelope.
const (
	codeInvalidData      = "INVALID_DATA"
	codeAbuseLimit       = "ABUSE_LIMIT"
	codeResendTooSoon    = "OTP_RESEND_TOO_SOON"
	codeExpiredOrUnknown = "OTP_EXPIRED_OR_UNKNOWN"
	codeAttemptsGone     = "ATTEMPTS_EXHAUSTED"
	codeInvalidCode      = "INVALID_CODE"
	codeSessionRevoked   = "SESSION_REVOKED"
	codeUserBlocked      = "USER_BLOCKED"
	codeDependencyDown   = "DEPENDENCY_UNAVAILABLE"
	codeInternal         = "INTERNAL_ERROR"
)

// Response is the standard API envelope.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AuthHandler exposes the OTP and session endpoints.
type AuthHandler struct {
	services *service.Services
	cfg      *config.Config
}

func NewAuthHandler(services *service.Services, cfg *config.Config) *AuthHandler {
	return &AuthHandler{services: services, cfg: cfg}
}

// RegisterRoutes mounts the authentication endpoints.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Post("/otp", h.RequestOTP)
	router.Post("/otp/verify", h.VerifyOTP)
	router.Get("/otp/status", h.OTPStatus)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})
}

type otpRequest struct {
	Phone string `json:"phone" validate:"required"`
}

// RequestOTP handles POST /otp.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.services.OTP.Issue(r.Context(), req.Phone)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, Response{
		Success: true,
		Data:    result,
		Message: "verification code sent",
	})
}

type verifyRequest struct {
	SessionID   string `json:"session_id" validate:"required,uuid4"`
	Phone       string `json:"phone" validate:"required"`
	Code        string `json:"code" validate:"required,numeric"`
	Fingerprint string `json:"fingerprint"`
}

// VerifyOTP handles POST /otp/verify.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	fingerprint := clientFingerprint(r, req.Fingerprint)

	result, err := h.services.OTP.Verify(r.Context(), req.SessionID, req.Phone, req.Code, fingerprint)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.setTokenCookies(w, &result.Tokens)
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    result,
		Message: "phone verified",
	})
}

// OTPStatus handles GET /otp/status.
func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	phone := r.URL.Query().Get("phone")

	status, err := h.services.OTP.Status(r.Context(), sessionID, phone)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: status})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Fingerprint  string `json:"fingerprint"`
}

// Refresh handles POST /auth/refresh. The token comes from the HTTP-only
// cookie when the body carries none.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			refreshToken = cookie.Value
		}
	}
	if refreshToken == "" {
		writeError(w, http.StatusUnauthorized, codeSessionRevoked, "refresh token required")
		return
	}

	fingerprint := clientFingerprint(r, req.Fingerprint)

	result, err := h.services.Session.Refresh(r.Context(), refreshToken, fingerprint)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.setTokenCookies(w, &result.Tokens)
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    result,
		Message: "session refreshed",
	})
}

// Logout handles POST /auth/logout: revokes the active session named by the
// presented refresh token and clears the cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			refreshToken = cookie.Value
		}
	}

	if refreshToken != "" {
		fingerprint := clientFingerprint(r, req.Fingerprint)
		if err := h.services.Session.Logout(r.Context(), refreshToken, fingerprint); err != nil &&
			!errors.Is(err, service.ErrSessionRevoked) {
			h.writeServiceError(w, err)
			return
		}
	}

	h.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "logged out"})
}

// HealthCheck reports liveness plus dependency state supplied by the caller.
func HealthCheck(check func(r *http.Request) map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{"status": "healthy"}
		if check != nil {
			data["dependencies"] = check(r)
		}
		writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
	}
}

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
)

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, tokens *model.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		Domain:   h.cfg.Token.CookieDomain,
		Expires:  tokens.AccessExpiry,
		HttpOnly: true,
		Secure:   h.cfg.Token.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    tokens.RefreshToken,
		Path:     "/auth",
		Domain:   h.cfg.Token.CookieDomain,
		Expires:  time.Now().Add(h.cfg.Token.RefreshTTL),
		HttpOnly: true,
		Secure:   h.cfg.Token.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{accessCookieName, "/"},
		{refreshCookieName, "/auth"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			Domain:   h.cfg.Token.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cfg.Token.CookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// clientFingerprint picks the strongest available client identifier.
func clientFingerprint(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		return fp
	}
	return r.UserAgent()
}

// decodeBody parses and validates the JSON body, writing the 400 itself on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidData, "malformed request body")
		return false
	}
	if err := util.ValidateStruct(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidData, "missing or malformed fields")
		return false
	}
	return true
}

func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		util.Error("request failed", util.ErrorField(err))
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidData):
		return http.StatusBadRequest, codeInvalidData
	case errors.Is(err, service.ErrAbuseLimit):
		return http.StatusTooManyRequests, codeAbuseLimit
	case errors.Is(err, service.ErrResendTooSoon):
		return http.StatusTooManyRequests, codeResendTooSoon
	case errors.Is(err, service.ErrOTPExpired):
		return http.StatusGone, codeExpiredOrUnknown
	case errors.Is(err, service.ErrAttemptsExhausted):
		return http.StatusTooManyRequests, codeAttemptsGone
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusUnauthorized, codeInvalidCode
	case errors.Is(err, service.ErrSessionRevoked):
		return http.StatusUnauthorized, codeSessionRevoked
	case errors.Is(err, service.ErrUserBlocked):
		return http.StatusForbidden, codeUserBlocked
	case errors.Is(err, service.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, codeDependencyDown
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("failed to encode response", util.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Success: false, ErrorCode: code, Message: message})
}
