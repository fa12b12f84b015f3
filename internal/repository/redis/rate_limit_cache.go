package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/util"
)

const (
	requestCountPrefix = "otp:requests:"
	lastSendPrefix     = "otp:lastsend:"
)

// RateLimitCache keeps the abuse counters in the shared expiring store. The
// request counter is bucketed per phone and window; the last-send guard is a
// plain key whose TTL is the resend cooldown.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// IncrementRequests counts one request against the phone's current window
// bucket and returns the running total. The first increment attaches the
// window TTL; increment and expiry run atomically.
func (c *RateLimitCache) IncrementRequests(ctx context.Context, phone string, bucket int64, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := fmt.Sprintf("%s%s:%d", requestCountPrefix, phone, bucket)
	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("failed to increment request counter", util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment request counter: %w", err)
	}
	return count, nil
}

// SetResendGuard arms the per-phone cooldown. Returns false when a guard is
// already in place, meaning the last send was under cooldown ago.
func (c *RateLimitCache) SetResendGuard(ctx context.Context, phone string, cooldown time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	armed, err := c.client.SetNX(ctx, lastSendPrefix+phone, "1", cooldown)
	if err != nil {
		util.Error("failed to arm resend guard", util.ErrorField(err))
		return false, fmt.Errorf("failed to arm resend guard: %w", err)
	}
	return armed, nil
}

// ResendGuardTTL reports how long until the phone may be sent another code.
// Zero with no error means the guard is not armed.
func (c *RateLimitCache) ResendGuardTTL(ctx context.Context, phone string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, lastSendPrefix+phone)
	if err != nil {
		if errors.Is(err, client.ErrCacheMiss) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read resend guard ttl: %w", err)
	}
	return ttl, nil
}

// ClearResendGuard drops the cooldown early. Used by tests and support
// tooling, never by the request path.
func (c *RateLimitCache) ClearResendGuard(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.client.Del(ctx, lastSendPrefix+phone)
}
