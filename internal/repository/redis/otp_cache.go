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

const pendingOTPPrefix = "otp:pending:"

// ErrNotFound is returned when no pending verification exists for the key,
// either because none was created or because its TTL ran out.
var ErrNotFound = errors.New("pending otp not found")

const cacheOpTimeout = 5 * time.Second

// decrementScript decrements the attempt counter only while the record
// still exists, so an expiry racing a wrong guess cannot resurrect the key.
// Reply: {1, remaining} when the record exists, {0, 0} otherwise.
const decrementScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0}
end
return {1, redis.call('HINCRBY', KEYS[1], 'attempts_left', -1)}
`

// OTPCache stores pending verifications in the shared expiring store, one
// hash per (session, phone) pair with the TTL carried by the key itself.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func pendingKey(sessionID, phone string) string {
	return pendingOTPPrefix + sessionID + ":" + phone
}

// Put writes a fresh pending record, replacing any previous code for the
// same session and phone.
func (c *OTPCache) Put(ctx context.Context, pending *model.PendingOTP, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := pendingKey(pending.SessionID, pending.Phone)
	fields := map[string]any{
		"phone":         pending.Phone,
		"otp_hash":      pending.OTPHash,
		"attempts_left": pending.AttemptsLeft,
		"resend_at":     pending.ResendAt.Unix(),
		"created_at":    pending.CreatedAt.Unix(),
	}

	if err := c.client.HSetWithExpire(ctx, key, fields, ttl); err != nil {
		util.Error("failed to store pending otp", util.ErrorField(err))
		return fmt.Errorf("failed to store pending otp: %w", err)
	}

	util.Debug("pending otp stored",
		util.String("session_id", pending.SessionID),
		util.String("phone", util.MaskPhone(pending.Phone)),
		util.Duration("ttl", ttl))
	return nil
}

// Get loads the pending record. ErrNotFound means expired or never issued;
// the two are indistinguishable once the TTL fires.
func (c *OTPCache) Get(ctx context.Context, sessionID, phone string) (*model.PendingOTP, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, pendingKey(sessionID, phone))
	if err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		util.Error("failed to load pending otp", util.ErrorField(err))
		return nil, fmt.Errorf("failed to load pending otp: %w", err)
	}

	return parsePending(sessionID, fields)
}

// TTL returns the remaining lifetime of the pending record.
func (c *OTPCache) TTL(ctx context.Context, sessionID, phone string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, pendingKey(sessionID, phone))
	if err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read pending otp ttl: %w", err)
	}
	return ttl, nil
}

// DecrementAttempts atomically burns one attempt. The record's TTL is left
// untouched so failed guesses never extend the code's lifetime. The returned
// count may be negative under concurrent wrong guesses; callers treat
// anything below one as exhausted.
func (c *OTPCache) DecrementAttempts(ctx context.Context, sessionID, phone string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	res, err := c.client.Eval(ctx, decrementScript, []string{pendingKey(sessionID, phone)})
	if err != nil {
		util.Error("failed to decrement otp attempts", util.ErrorField(err))
		return 0, fmt.Errorf("failed to decrement otp attempts: %w", err)
	}

	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return 0, fmt.Errorf("unexpected decrement reply: %v", res)
	}
	exists, _ := reply[0].(int64)
	if exists == 0 {
		return 0, ErrNotFound
	}
	remaining, _ := reply[1].(int64)
	return int(remaining), nil
}

// Delete removes the pending record. Used on success and on exhaustion.
func (c *OTPCache) Delete(ctx context.Context, sessionID, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, pendingKey(sessionID, phone)); err != nil {
		util.Error("failed to delete pending otp", util.ErrorField(err))
		return fmt.Errorf("failed to delete pending otp: %w", err)
	}
	return nil
}

func parsePending(sessionID string, fields map[string]string) (*model.PendingOTP, error) {
	attempts, err := strconv.Atoi(fields["attempts_left"])
	if err != nil {
		return nil, fmt.Errorf("corrupt pending otp record: %w", err)
	}
	resendAt, err := strconv.ParseInt(fields["resend_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt pending otp record: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt pending otp record: %w", err)
	}

	return &model.PendingOTP{
		SessionID:    sessionID,
		Phone:        fields["phone"],
		OTPHash:      fields["otp_hash"],
		AttemptsLeft: attempts,
		ResendAt:     time.Unix(resendAt, 0),
		CreatedAt:    time.Unix(createdAt, 0),
	}, nil
}
