package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/util"
)

// pendingStore is the slice of the OTP cache the service needs.
type pendingStore interface {
	Put(ctx context.Context, pending *model.PendingOTP, ttl time.Duration) error
	Get(ctx context.Context, sessionID, phone string) (*model.PendingOTP, error)
	TTL(ctx context.Context, sessionID, phone string) (time.Duration, error)
	DecrementAttempts(ctx context.Context, sessionID, phone string) (int, error)
	Delete(ctx context.Context, sessionID, phone string) error
}

type otpHasher interface {
	HashOTP(otp string) (*hashing.HashResult, error)
	VerifyOTP(otp string, stored *hashing.HashResult) (bool, error)
}

// IssueResult is what a successful code request hands back to the client.
type IssueResult struct {
	SessionID string    `json:"session_id"`
	ResendAt  time.Time `json:"resend_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OTPService issues and verifies one-time codes. A code lives in the shared
// expiring store under its session and phone until it is consumed, burned
// through wrong guesses, or times out.
type OTPService struct {
	pending  pendingStore
	limiter  *RateLimiter
	hasher   otpHasher
	sender   sms.Sender
	sessions *SessionService
	recorder audit.Recorder

	codeLength    int
	validity      time.Duration
	attemptBudget int
}

func NewOTPService(
	pending pendingStore,
	limiter *RateLimiter,
	hasher otpHasher,
	sender sms.Sender,
	sessions *SessionService,
	recorder audit.Recorder,
	cfg *config.Config,
) *OTPService {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &OTPService{
		pending:       pending,
		limiter:       limiter,
		hasher:        hasher,
		sender:        sender,
		sessions:      sessions,
		recorder:      recorder,
		codeLength:    cfg.OTP.CodeLength,
		validity:      cfg.OTP.Validity,
		attemptBudget: cfg.OTP.AttemptBudget,
	}
}

// Issue requests a fresh code for the phone. The abuse limit is charged
// before the cooldown so a limited phone cannot probe its way around either
// control. Repeated requests always mint a new session and a new code.
func (s *OTPService) Issue(ctx context.Context, rawPhone string) (*IssueResult, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, err)
	}

	decision, err := s.limiter.Allow(ctx, phone)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.recorder.Record(ctx, &model.AuthEvent{
			EventType: model.EventRateLimited,
			PhoneHash: util.HashPhone(phone),
			Outcome:   model.OutcomeDenied,
		})
		return nil, fmt.Errorf("%w: retry after %s", ErrAbuseLimit, decision.RetriesIn.Round(time.Second))
	}

	wait, err := s.limiter.ReserveSend(ctx, phone)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		return nil, fmt.Errorf("%w: retry after %s", ErrResendTooSoon, wait.Round(time.Second))
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp code: %w", err)
	}

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp code: %w", err)
	}
	encoded, err := hashed.Encode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pending := &model.PendingOTP{
		SessionID:    uuid.New().String(),
		Phone:        phone,
		OTPHash:      encoded,
		AttemptsLeft: s.attemptBudget,
		ResendAt:     now.Add(s.limiter.Cooldown()),
		CreatedAt:    now,
	}

	if err := s.pending.Put(ctx, pending, s.validity); err != nil {
		return nil, fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	if err := s.sender.SendOTP(ctx, phone, code); err != nil {
		// The code can never arrive, so drop the record rather than leave a
		// session the client cannot complete.
		_ = s.pending.Delete(ctx, pending.SessionID, phone)
		return nil, fmt.Errorf("%w: sms delivery: %s", ErrDependencyUnavailable, err)
	}

	s.recorder.Record(ctx, &model.AuthEvent{
		EventType: model.EventOTPRequested,
		PhoneHash: util.HashPhone(phone),
		SessionID: pending.SessionID,
		Outcome:   model.OutcomeSuccess,
	})

	util.Info("otp issued",
		util.String("session_id", pending.SessionID),
		util.String("phone", util.MaskPhone(phone)))

	return &IssueResult{
		SessionID: pending.SessionID,
		ResendAt:  pending.ResendAt,
		ExpiresAt: now.Add(s.validity),
	}, nil
}

// Verify checks a submitted code. The pending record is deleted exactly once
// per lifecycle: on success, or when the attempt budget runs out.
func (s *OTPService) Verify(ctx context.Context, sessionID, rawPhone, code, fingerprint string) (*model.AuthResult, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, err)
	}
	if sessionID == "" || !isCode(code, s.codeLength) {
		return nil, fmt.Errorf("%w: session id and numeric code required", ErrInvalidData)
	}

	pending, err := s.pending.Get(ctx, sessionID, phone)
	if err != nil {
		if errors.Is(err, redisrepo.ErrNotFound) {
			return nil, ErrOTPExpired
		}
		return nil, fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	if pending.AttemptsLeft <= 0 {
		_ = s.pending.Delete(ctx, sessionID, phone)
		return nil, ErrAttemptsExhausted
	}

	stored, err := hashing.DecodeHashResult(pending.OTPHash)
	if err != nil {
		_ = s.pending.Delete(ctx, sessionID, phone)
		return nil, fmt.Errorf("corrupt pending record: %w", err)
	}

	match, err := s.hasher.VerifyOTP(code, stored)
	if err != nil {
		return nil, fmt.Errorf("failed to verify otp code: %w", err)
	}

	if !match {
		return nil, s.burnAttempt(ctx, sessionID, phone)
	}

	if err := s.pending.Delete(ctx, sessionID, phone); err != nil {
		return nil, fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	result, err := s.sessions.ResolveAndIssue(ctx, phone, fingerprint)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &model.AuthEvent{
		EventType: model.EventOTPVerified,
		PhoneHash: util.HashPhone(phone),
		UserID:    result.UserID,
		SessionID: sessionID,
		Outcome:   model.OutcomeSuccess,
	})

	return result, nil
}

// burnAttempt charges one failed guess and reports the resulting error.
func (s *OTPService) burnAttempt(ctx context.Context, sessionID, phone string) error {
	remaining, err := s.pending.DecrementAttempts(ctx, sessionID, phone)
	if err != nil {
		if errors.Is(err, redisrepo.ErrNotFound) {
			return ErrOTPExpired
		}
		return fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	s.recorder.Record(ctx, &model.AuthEvent{
		EventType: model.EventOTPRejected,
		PhoneHash: util.HashPhone(phone),
		SessionID: sessionID,
		Outcome:   model.OutcomeFailure,
	})

	if remaining <= 0 {
		_ = s.pending.Delete(ctx, sessionID, phone)
		return ErrAttemptsExhausted
	}
	return ErrInvalidCode
}

// Status projects the pending verification for polling clients. The code
// hash never leaves the store.
func (s *OTPService) Status(ctx context.Context, sessionID, rawPhone string) (*model.OTPStatus, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, err)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidData)
	}

	pending, err := s.pending.Get(ctx, sessionID, phone)
	if err != nil {
		if errors.Is(err, redisrepo.ErrNotFound) {
			return nil, ErrOTPExpired
		}
		return nil, fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	ttl, err := s.pending.TTL(ctx, sessionID, phone)
	if err != nil {
		if errors.Is(err, redisrepo.ErrNotFound) {
			return nil, ErrOTPExpired
		}
		return nil, fmt.Errorf("%w: pending store: %s", ErrDependencyUnavailable, err)
	}

	return &model.OTPStatus{
		SessionID:    sessionID,
		Phone:        util.MaskPhone(phone),
		AttemptsLeft: pending.AttemptsLeft,
		ResendAt:     pending.ResendAt,
		ExpiresAt:    time.Now().UTC().Add(ttl),
	}, nil
}

// generateCode draws a uniformly random numeric code from crypto/rand.
func (s *OTPService) generateCode() (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.codeLength)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.codeLength, n), nil
}

func isCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	return strings.IndexFunc(code, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
