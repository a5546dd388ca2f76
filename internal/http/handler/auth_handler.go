package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/replaysMike/binner-auth/internal/domain"
	"github.com/replaysMike/binner-auth/internal/http/response"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/security"
	"github.com/replaysMike/binner-auth/internal/service"
)

const forgotAcceptedMessage = "if the account exists, password reset instructions have been sent"

type AuthHandler struct {
	auth     service.AuthServiceInterface
	notifier Notifier
	cookies  security.CookieOptions
	logger   *slog.Logger
}

func NewAuthHandler(auth service.AuthServiceInterface, notifier Notifier, cookies security.CookieOptions, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &AuthHandler{auth: auth, notifier: notifier, cookies: cookies, logger: logger}
}

type loginRequest struct {
	Email string `json:"email" validate:"required,max=320"`
	// Password may be empty for local installs without a password.
	Password string `json:"password" validate:"max=1024"`
}

type registerRequest struct {
	Name     string `json:"name" validate:"max=255"`
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

type confirmEmailRequest struct {
	Email string `json:"email" validate:"required,max=320"`
	Token string `json:"token" validate:"required,max=256"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,max=320"`
}

type validateResetRequest struct {
	Email string `json:"email" validate:"required,max=320"`
	Token string `json:"token" validate:"required,max=256"`
}

type resetPasswordRequest struct {
	Email           string `json:"email" validate:"required,max=320"`
	Token           string `json:"token" validate:"required,max=256"`
	Password        string `json:"password" validate:"required,max=1024"`
	ConfirmPassword string `json:"confirm_password" validate:"required,max=1024"`
}

// sessionResponse never carries the refresh token; that travels only in the
// cookie.
type sessionResponse struct {
	IsAuthenticated      bool             `json:"is_authenticated"`
	CanLogin             bool             `json:"can_login"`
	AccessToken          string           `json:"access_token"`
	AccessTokenExpiresAt time.Time        `json:"access_token_expires_at"`
	ImagesToken          string           `json:"images_token"`
	Identity             *domain.Identity `json:"identity"`
}

type registerResponse struct {
	IsRegistered bool   `json:"is_registered"`
	CanLogin     bool   `json:"can_login"`
	UserID       uint   `json:"user_id"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.Authenticate(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		response.Internal(w, r)
		return
	}
	observability.Audit(r, "auth.login", "outcome", outcomeLabel(res.Outcome))
	if !res.IsAuthenticated {
		writeOutcome(w, r, res.Outcome)
		return
	}
	h.writeSession(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshCookieName)
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, "TokenInvalid", "missing refresh token", nil)
		return
	}
	res, err := h.auth.Refresh(r.Context(), raw)
	if err != nil {
		response.Internal(w, r)
		return
	}
	if !res.IsAuthenticated {
		if isTokenFailure(res.Outcome) {
			security.ClearRefreshCookie(w, h.cookies)
		}
		if res.Is(service.ErrTokenReuseDetected) {
			observability.Audit(r, "auth.refresh.reuse_detected")
		}
		writeOutcome(w, r, res.Outcome)
		return
	}
	h.writeSession(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshCookieName)
	security.ClearRefreshCookie(w, h.cookies)
	if raw == "" {
		response.JSON(w, r, http.StatusOK, map[string]bool{"revoked": false})
		return
	}
	res, err := h.auth.Revoke(r.Context(), raw)
	if err != nil {
		response.Internal(w, r)
		return
	}
	observability.Audit(r, "auth.logout", "outcome", outcomeLabel(res.Outcome))
	if res.Failed() {
		writeOutcome(w, r, res.Outcome)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		response.Internal(w, r)
		return
	}
	observability.Audit(r, "auth.register", "outcome", outcomeLabel(res.Outcome))
	if !res.IsRegistered {
		writeOutcome(w, r, res.Outcome)
		return
	}
	if res.ConfirmationToken != "" {
		if err := h.notifier.SendEmailConfirmation(r.Context(), domain.NormalizeEmail(req.Email), res.ConfirmationToken); err != nil {
			h.logger.ErrorContext(r.Context(), "send email confirmation failed", "user_id", res.UserID, "error", err)
		}
	}
	if res.Tokens != nil {
		security.SetRefreshCookie(w, h.cookies, res.Tokens.RefreshToken, res.Tokens.RefreshExpiresAt)
	}
	response.JSON(w, r, http.StatusCreated, registerResponse{
		IsRegistered: true,
		CanLogin:     res.CanLogin,
		UserID:       res.UserID,
		Code:         res.Code,
		Message:      res.Message,
	})
}

func (h *AuthHandler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req confirmEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.ConfirmEmail(r.Context(), req.Email, req.Token)
	if err != nil {
		response.Internal(w, r)
		return
	}
	if res.Failed() {
		writeOutcome(w, r, res.Outcome)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

// ForgotPassword answers identically whether or not the account exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.RequestReset(r.Context(), req.Email, clientIP(r))
	switch {
	case err != nil:
		h.logger.ErrorContext(r.Context(), "password reset request failed", "error", err)
	case res.Is(service.ErrTooManyAttempts):
		writeOutcome(w, r, res.Outcome)
		return
	case res.Created:
		if err := h.notifier.SendPasswordReset(r.Context(), domain.NormalizeEmail(req.Email), res.Token, res.ExpiresAt); err != nil {
			h.logger.ErrorContext(r.Context(), "send password reset failed", "error", err)
		}
	}
	observability.Audit(r, "auth.password.forgot")
	response.JSON(w, r, http.StatusAccepted, map[string]string{"message": forgotAcceptedMessage})
}

func (h *AuthHandler) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req validateResetRequest
	if !h.decode(w, r, &req) {
		return
	}
	valid, err := h.auth.ValidateResetToken(r.Context(), req.Email, req.Token)
	if err != nil {
		response.Internal(w, r)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.ResetPassword(r.Context(), req.Email, req.Token, req.Password, req.ConfirmPassword, clientIP(r))
	if err != nil {
		response.Internal(w, r)
		return
	}
	observability.Audit(r, "auth.password.reset", "outcome", outcomeLabel(res.Outcome))
	if !res.IsAuthenticated {
		writeOutcome(w, r, res.Outcome)
		return
	}
	h.writeSession(w, r, http.StatusOK, res)
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, r *http.Request, status int, res *service.AuthResult) {
	security.SetRefreshCookie(w, h.cookies, res.Tokens.RefreshToken, res.Tokens.RefreshExpiresAt)
	response.JSON(w, r, status, sessionResponse{
		IsAuthenticated:      true,
		CanLogin:             res.CanLogin,
		AccessToken:          res.Tokens.AccessToken,
		AccessTokenExpiresAt: res.Tokens.AccessTokenExpiresAt,
		ImagesToken:          res.Tokens.ImagesToken,
		Identity:             res.Identity,
	})
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeAndValidate(r, dst)
	if err == nil {
		return true
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", verr.Fields())
		return false
	}
	response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
	return false
}

func writeOutcome(w http.ResponseWriter, r *http.Request, o service.Outcome) {
	response.Error(w, r, statusFor(o.Reason), o.Code, o.Message, nil)
}

func statusFor(reason error) int {
	switch {
	case errors.Is(reason, service.ErrInvalidCredentials),
		errors.Is(reason, service.ErrTokenInvalid),
		errors.Is(reason, service.ErrTokenExpired),
		errors.Is(reason, service.ErrTokenRevoked),
		errors.Is(reason, service.ErrTokenReuseDetected):
		return http.StatusUnauthorized
	case errors.Is(reason, service.ErrEmailNotConfirmed), errors.Is(reason, service.ErrAccountLocked):
		return http.StatusForbidden
	case errors.Is(reason, service.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(reason, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func isTokenFailure(o service.Outcome) bool {
	return o.Is(service.ErrTokenInvalid) || o.Is(service.ErrTokenExpired) ||
		o.Is(service.ErrTokenRevoked) || o.Is(service.ErrTokenReuseDetected)
}

func outcomeLabel(o service.Outcome) string {
	if o.Code == "" || !o.Failed() {
		return "success"
	}
	return o.Code
}

// clientIP expects chi's RealIP to have run.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
