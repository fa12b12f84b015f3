package service

import "errors"

// Domain errors. Handlers map these onto HTTP status codes and error codes;
// everything else is an internal failure.
var (
	ErrInvalidData           = errors.New("invalid request data")
	ErrAbuseLimit            = errors.New("request limit exceeded")
	ErrResendTooSoon         = errors.New("resend requested too soon")
	ErrOTPExpired            = errors.New("otp expired or unknown")
	ErrAttemptsExhausted     = errors.New("otp attempts exhausted")
	ErrInvalidCode           = errors.New("invalid otp code")
	ErrSessionRevoked        = errors.New("session revoked")
	ErrUserBlocked           = errors.New("user is blocked")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)
