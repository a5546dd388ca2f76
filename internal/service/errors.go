package service

import "errors"

// Expected failure kinds. They travel in result values; the error return of
// AuthService methods is reserved for infrastructure failures.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrAccountLocked      = errors.New("account locked")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	ErrPasswordMismatch   = errors.New("password mismatch")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrTooManyAttempts    = errors.New("too many attempts")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrInvalidInput       = errors.New("invalid input")
	ErrResetUnavailable   = errors.New("password reset unavailable")
)

type failureKind struct {
	code    string
	message string
	status  string
}

var failureKinds = map[error]failureKind{
	ErrInvalidCredentials: {"InvalidCredentials", "invalid username or password", "invalid_credentials"},
	ErrEmailNotConfirmed:  {"EmailNotConfirmed", "email address has not been confirmed", "email_not_confirmed"},
	ErrAccountLocked:      {"AccountLocked", "account is locked", "account_locked"},
	ErrTokenInvalid:       {"TokenInvalid", "token is invalid", "token_invalid"},
	ErrTokenExpired:       {"TokenExpired", "token has expired", "token_expired"},
	ErrTokenRevoked:       {"TokenRevoked", "token has been revoked", "token_revoked"},
	// Reuse is reported to the caller as a plain revocation.
	ErrTokenReuseDetected: {"TokenRevoked", "token has been revoked", "reuse_detected"},
	ErrPasswordMismatch:   {"PasswordMismatch", "passwords do not match", "password_mismatch"},
	ErrAlreadyRegistered:  {"AlreadyRegistered", "email address is already registered", "already_registered"},
	ErrTooManyAttempts:    {"TooManyAttempts", "too many attempts, try again later", "too_many_attempts"},
	ErrInvalidPassword:    {"InvalidPassword", "password does not meet the length requirement", "invalid_password"},
	ErrInvalidInput:       {"InvalidInput", "invalid input", "invalid_input"},
	ErrResetUnavailable:   {"ResetUnavailable", "unable to process password reset request", "reset_unavailable"},
}

// Outcome describes how an operation ended. A nil Reason is success.
type Outcome struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  error  `json:"-"`
}

func (o Outcome) Failed() bool { return o.Reason != nil }

func (o Outcome) Is(target error) bool { return errors.Is(o.Reason, target) }

func failed(reason error) Outcome {
	k, ok := failureKinds[reason]
	if !ok {
		k = failureKinds[ErrInvalidInput]
	}
	return Outcome{Code: k.code, Message: k.message, Reason: reason}
}

// status is the metric label for o.
func (o Outcome) status() string {
	if o.Reason == nil {
		return "success"
	}
	if k, ok := failureKinds[o.Reason]; ok {
		return k.status
	}
	return "failure"
}
