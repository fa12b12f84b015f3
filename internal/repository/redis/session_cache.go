package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

const sessionPrefix = "session:"

// ErrSessionNotFound is returned when no active session exists for the user
// and fingerprint pair.
var ErrSessionNotFound = errors.New("active session not found")

// SessionCache stores the single active session per user and client
// fingerprint. Writing a new session for the same pair overwrites the old
// one, which is what revokes superseded refresh tokens.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func sessionKey(userID, fingerprintHash string) string {
	return sessionPrefix + userID + ":" + fingerprintHash
}

// Put stores the session with the refresh token's lifetime as TTL.
func (c *SessionCache) Put(ctx context.Context, session *model.ActiveSession, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := sessionKey(session.UserID, session.FingerprintHash)
	fields := map[string]any{
		"session_id":       session.SessionID,
		"user_id":          session.UserID,
		"fingerprint_hash": session.FingerprintHash,
		"issued_at":        session.IssuedAt.Unix(),
	}

	if err := c.client.HSetWithExpire(ctx, key, fields, ttl); err != nil {
		util.Error("failed to store active session", util.ErrorField(err))
		return fmt.Errorf("failed to store active session: %w", err)
	}

	util.Debug("active session stored",
		util.String("user_id", session.UserID),
		util.String("session_id", session.SessionID))
	return nil
}

func (c *SessionCache) Get(ctx context.Context, userID, fingerprintHash string) (*model.ActiveSession, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, sessionKey(userID, fingerprintHash))
	if err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			return nil, ErrSessionNotFound
		}
		util.Error("failed to load active session", util.ErrorField(err))
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	return &model.ActiveSession{
		SessionID:       fields["session_id"],
		UserID:          fields["user_id"],
		FingerprintHash: fields["fingerprint_hash"],
		IssuedAt:        time.Unix(issuedAt, 0),
	}, nil
}

func (c *SessionCache) Delete(ctx context.Context, userID, fingerprintHash string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, sessionKey(userID, fingerprintHash)); err != nil {
		util.Error("failed to delete active session", util.ErrorField(err))
		return fmt.Errorf("failed to delete active session: %w", err)
	}
	return nil
}
