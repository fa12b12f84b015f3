package model

import (
	"time"
)

// User is the durable identity record keyed by user ID and sharded by
// bucket. Phone numbers are stored encrypted; lookups go through PhoneHash.
type User struct {
	UserID         string     `json:"user_id"`
	UserBucket     int        `json:"user_bucket"`
	PhoneHash      string     `json:"phone_hash"`
	PhoneEncrypted []byte     `json:"-"`
	PhoneKeyID     string     `json:"-"`
	Role           string     `json:"role"`
	IsActive       bool       `json:"is_active"`
	IsBlocked      bool       `json:"is_blocked"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

// Roles assigned at registration.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// PendingOTP is the verification record held in the shared expiring store
// for the lifetime of one code.
type PendingOTP struct {
	SessionID    string    `json:"session_id"`
	Phone        string    `json:"phone"`
	OTPHash      string    `json:"otp_hash"`
	AttemptsLeft int       `json:"attempts_left"`
	ResendAt     time.Time `json:"resend_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// OTPStatus is the read-only projection of a pending verification returned
// to clients. It never carries the code or its hash.
type OTPStatus struct {
	SessionID    string    `json:"session_id"`
	Phone        string    `json:"phone"`
	AttemptsLeft int       `json:"attempts_left"`
	ResendAt     time.Time `json:"resend_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActiveSession records the one live session per user and client
// fingerprint. SessionID is the rotation fence: a refresh token whose
// session claim no longer matches the stored value has been superseded.
type ActiveSession struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	IssuedAt        time.Time `json:"issued_at"`
}

// TokenPair is what a successful verification or refresh hands back.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExpiry time.Time `json:"access_expiry"`
	SessionID    string    `json:"session_id"`
}

// AuthResult bundles the issued tokens with the resolved identity.
type AuthResult struct {
	Tokens    TokenPair `json:"tokens"`
	UserID    string    `json:"user_id"`
	IsNewUser bool      `json:"is_new_user"`
}

// RateLimitDecision reports the outcome of one counted request attempt.
type RateLimitDecision struct {
	Allowed   bool
	Count     int64
	Limit     int
	ResetsAt  time.Time
	RetriesIn time.Duration
}

// AuthEvent is the audit record published to the event stream and the
// analytics sink.
type AuthEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	PhoneHash string    `json:"phone_hash"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit event types.
const (
	EventOTPRequested  = "otp_requested"
	EventOTPVerified   = "otp_verified"
	EventOTPRejected   = "otp_rejected"
	EventRateLimited   = "rate_limited"
	EventSessionIssued = "session_issued"
	EventTokenRefresh  = "token_refresh"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)
