package service

import (
	"context"
	"fmt"
	"time"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// rateStore is the slice of the rate-limit cache the limiter needs.
type rateStore interface {
	IncrementRequests(ctx context.Context, phone string, bucket int64, window time.Duration) (int64, error)
	SetResendGuard(ctx context.Context, phone string, cooldown time.Duration) (bool, error)
	ResendGuardTTL(ctx context.Context, phone string) (time.Duration, error)
}

// RateLimiter enforces the per-phone request budget over fixed windows plus
// the resend cooldown. Counting is first come first served: the increment
// itself decides, so concurrent requests can never all sneak under the limit.
type RateLimiter struct {
	store    rateStore
	buckets  *bucketing.Manager
	window   time.Duration
	limit    int
	cooldown time.Duration
}

func NewRateLimiter(store rateStore, buckets *bucketing.Manager, cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		store:    store,
		buckets:  buckets,
		window:   cfg.OTP.WindowLength,
		limit:    cfg.OTP.WindowLimit,
		cooldown: cfg.OTP.ResendCooldown,
	}
}

// Allow counts this request against the phone's current window. Denied
// requests are counted too, so hammering a limited phone does not help.
func (l *RateLimiter) Allow(ctx context.Context, phone string) (*model.RateLimitDecision, error) {
	now := time.Now()
	bucket := l.buckets.TimeBucket(now, l.window)

	count, err := l.store.IncrementRequests(ctx, phone, bucket, l.window)
	if err != nil {
		return nil, fmt.Errorf("%w: rate counter: %s", ErrDependencyUnavailable, err)
	}

	decision := &model.RateLimitDecision{
		Allowed:  count <= int64(l.limit),
		Count:    count,
		Limit:    l.limit,
		ResetsAt: l.buckets.WindowEnd(now, l.window),
	}
	if !decision.Allowed {
		decision.RetriesIn = time.Until(decision.ResetsAt)
		util.Warn("otp request limit exceeded",
			util.String("phone", util.MaskPhone(phone)),
			util.Int("limit", l.limit))
	}
	return decision, nil
}

// ReserveSend arms the resend cooldown. When the guard is already armed the
// returned duration says how long the caller has to wait.
func (l *RateLimiter) ReserveSend(ctx context.Context, phone string) (time.Duration, error) {
	armed, err := l.store.SetResendGuard(ctx, phone, l.cooldown)
	if err != nil {
		return 0, fmt.Errorf("%w: resend guard: %s", ErrDependencyUnavailable, err)
	}
	if armed {
		return 0, nil
	}

	wait, err := l.store.ResendGuardTTL(ctx, phone)
	if err != nil {
		return 0, fmt.Errorf("%w: resend guard: %s", ErrDependencyUnavailable, err)
	}
	if wait <= 0 {
		// Guard expired between the two calls. Treat as a full cooldown.
		wait = l.cooldown
	}
	return wait, nil
}

func (l *RateLimiter) Cooldown() time.Duration { return l.cooldown }
