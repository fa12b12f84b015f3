package service

import (
	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/token"
)

// Services bundles the wired service layer.
type Services struct {
	RateLimiter *RateLimiter
	OTP         *OTPService
	Session     *SessionService
}

// Dependencies is everything the service layer is built from.
type Dependencies struct {
	Config      *config.Config
	OTPCache    *redisrepo.OTPCache
	RateCache   *redisrepo.RateLimitCache
	Sessions    *redisrepo.SessionCache
	Users       *scylla.UserRepository
	Buckets     *bucketing.Manager
	Hasher      *hashing.Hasher
	Tokens      *token.Provider
	Encryptor   *encryption.Manager
	SMS         sms.Sender
	Recorder    audit.Recorder
}

func NewServices(deps Dependencies) *Services {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	limiter := NewRateLimiter(deps.RateCache, deps.Buckets, deps.Config)
	sessions := NewSessionService(deps.Sessions, deps.Users, deps.Tokens, deps.Encryptor, recorder)
	otp := NewOTPService(deps.OTPCache, limiter, deps.Hasher, deps.SMS, sessions, recorder, deps.Config)

	return &Services{
		RateLimiter: limiter,
		OTP:         otp,
		Session:     sessions,
	}
}
