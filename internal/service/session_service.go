package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/model"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

type sessionStore interface {
	Put(ctx context.Context, session *model.ActiveSession, ttl time.Duration) error
	Get(ctx context.Context, userID, fingerprintHash string) (*model.ActiveSession, error)
	Delete(ctx context.Context, userID, fingerprintHash string) error
}

type userStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (*model.User, error)
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

type tokenIssuer interface {
	IssuePair(user *model.User, sessionID, fingerprintHash string) (*model.TokenPair, error)
	Verify(tokenString, expectedType string) (*token.Claims, error)
	RefreshTTL() time.Duration
}

type fieldEncryptor interface {
	EncryptField(ctx context.Context, plaintext string) ([]byte, error)
	KeyID() string
}

// SessionService resolves identities and issues token pairs. New and known
// phones flow through the same path: resolve or create, then issue.
type SessionService struct {
	sessions  sessionStore
	users     userStore
	tokens    tokenIssuer
	encryptor fieldEncryptor
	recorder  audit.Recorder
}

func NewSessionService(
	sessions sessionStore,
	users userStore,
	tokens tokenIssuer,
	encryptor fieldEncryptor,
	recorder audit.Recorder,
) *SessionService {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &SessionService{
		sessions:  sessions,
		users:     users,
		tokens:    tokens,
		encryptor: encryptor,
		recorder:  recorder,
	}
}

// ResolveAndIssue finds or creates the identity behind a verified phone and
// issues a token pair. Writing the new session overwrites any previous one
// for the same user and client fingerprint, which revokes its refresh token.
func (s *SessionService) ResolveAndIssue(ctx context.Context, phone, fingerprint string) (*model.AuthResult, error) {
	phoneHash := util.HashPhone(phone)

	user, err := s.users.GetUserByPhoneHash(ctx, phoneHash)
	isNew := false
	switch {
	case errors.Is(err, scylla.ErrUserNotFound):
		user, err = s.createUser(ctx, phone, phoneHash)
		if err != nil {
			return nil, err
		}
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("%w: user store: %s", ErrDependencyUnavailable, err)
	}

	if user.IsBlocked || !user.IsActive {
		return nil, ErrUserBlocked
	}

	result, err := s.issue(ctx, user, fingerprint)
	if err != nil {
		return nil, err
	}
	result.IsNewUser = isNew

	if err := s.users.UpdateLastLogin(ctx, user.UserID, time.Now().UTC()); err != nil {
		// Login already succeeded, the timestamp is advisory.
		util.Warn("failed to record last login", util.ErrorField(err))
	}

	s.recorder.Record(ctx, &model.AuthEvent{
		EventType: model.EventSessionIssued,
		PhoneHash: phoneHash,
		UserID:    user.UserID,
		SessionID: result.Tokens.SessionID,
		Outcome:   model.OutcomeSuccess,
	})

	return result, nil
}

// Refresh rotates the token pair. The session claim in the presented token
// must match the stored session; anything else means the token was
// superseded or the session was revoked.
func (s *SessionService) Refresh(ctx context.Context, refreshToken, fingerprint string) (*model.AuthResult, error) {
	claims, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionRevoked, err)
	}

	fpHash := util.SHA256Hex(fingerprint)
	if claims.FingerprintHash != fpHash {
		return nil, ErrSessionRevoked
	}

	stored, err := s.sessions.Get(ctx, claims.UserID, fpHash)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("%w: session store: %s", ErrDependencyUnavailable, err)
	}
	if stored.SessionID != claims.SessionID {
		return nil, ErrSessionRevoked
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("%w: user store: %s", ErrDependencyUnavailable, err)
	}
	if user.IsBlocked || !user.IsActive {
		return nil, ErrUserBlocked
	}

	result, err := s.issue(ctx, user, fingerprint)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &model.AuthEvent{
		EventType: model.EventTokenRefresh,
		PhoneHash: user.PhoneHash,
		UserID:    user.UserID,
		SessionID: result.Tokens.SessionID,
		Outcome:   model.OutcomeSuccess,
	})

	return result, nil
}

// Logout revokes the session named by a presented refresh token. The token
// must still verify; revoking on an arbitrary claim would let anyone log
// other devices out.
func (s *SessionService) Logout(ctx context.Context, refreshToken, fingerprint string) error {
	claims, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSessionRevoked, err)
	}
	fpHash := util.SHA256Hex(fingerprint)
	if claims.FingerprintHash != fpHash {
		return ErrSessionRevoked
	}
	return s.Revoke(ctx, claims.UserID, fingerprint)
}

// Revoke drops the active session for the user and fingerprint.
func (s *SessionService) Revoke(ctx context.Context, userID, fingerprint string) error {
	if err := s.sessions.Delete(ctx, userID, util.SHA256Hex(fingerprint)); err != nil {
		return fmt.Errorf("%w: session store: %s", ErrDependencyUnavailable, err)
	}
	return nil
}

// issue mints a new session, stores it, and signs the pair. Storing first
// keeps the invariant that every valid refresh token has a stored session.
func (s *SessionService) issue(ctx context.Context, user *model.User, fingerprint string) (*model.AuthResult, error) {
	sessionID := uuid.New().String()
	fpHash := util.SHA256Hex(fingerprint)

	session := &model.ActiveSession{
		SessionID:       sessionID,
		UserID:          user.UserID,
		FingerprintHash: fpHash,
		IssuedAt:        time.Now().UTC(),
	}
	if err := s.sessions.Put(ctx, session, s.tokens.RefreshTTL()); err != nil {
		return nil, fmt.Errorf("%w: session store: %s", ErrDependencyUnavailable, err)
	}

	pair, err := s.tokens.IssuePair(user, sessionID, fpHash)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	return &model.AuthResult{
		Tokens: *pair,
		UserID: user.UserID,
	}, nil
}

func (s *SessionService) createUser(ctx context.Context, phone, phoneHash string) (*model.User, error) {
	encrypted, err := s.encryptor.EncryptField(ctx, phone)
	if err != nil {
		if errors.Is(err, encryption.ErrEncryptionFailed) {
			return nil, fmt.Errorf("%w: field encryption: %s", ErrDependencyUnavailable, err)
		}
		return nil, err
	}

	user := &model.User{
		PhoneHash:      phoneHash,
		PhoneEncrypted: encrypted,
		PhoneKeyID:     s.encryptor.KeyID(),
		Role:           model.RoleUser,
		IsActive:       true,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: user store: %s", ErrDependencyUnavailable, err)
	}
	return user, nil
}
