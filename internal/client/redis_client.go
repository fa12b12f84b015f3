package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// ErrCacheMiss is returned when a key does not exist. Callers must
// distinguish it from transport errors: a miss is an answer, a timeout
// is a dependency failure.
var ErrCacheMiss = errors.New("cache key not found")

// RedisClient wraps the go-redis client with the small command surface the
// repositories use.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects and pings Redis. redis:// and rediss:// URLs are
// both accepted.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.Password == "" && cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	opts.DB = cfg.Redis.DB
	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = cfg.Redis.PoolSize / 2
	if opts.MinIdleConns < 10 {
		opts.MinIdleConns = 10
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	util.Info("redis client initialized",
		util.Int("db", cfg.Redis.DB),
		util.Int("pool_size", cfg.Redis.PoolSize))

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetNX sets the key only when absent. Returns false when the key exists.
func (r *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// IncrWithExpire increments the key and attaches the TTL when the counter is
// fresh. Both commands run in one transaction so a crash cannot leave an
// unbounded counter behind.
func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, ErrCacheMiss
	}
	return ttl, nil
}

func (r *RedisClient) HSet(ctx context.Context, key string, fields map[string]any) error {
	return r.client.HSet(ctx, key, fields).Err()
}

// HSetWithExpire writes a hash and its TTL in one transaction so the record
// can never outlive its intended lifetime.
func (r *RedisClient) HSetWithExpire(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// HGetAll returns the full hash. A missing key maps to ErrCacheMiss rather
// than the empty map go-redis reports.
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return fields, nil
}

// Eval runs a Lua script. The repositories use scripts where a sequence of
// commands has to be atomic against concurrent verifiers.
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return r.client.Eval(ctx, script, keys, args...).Result()
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisClient) Close() error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		util.Error("failed to close redis client", util.ErrorField(err))
		return err
	}
	util.Info("redis client closed")
	return nil
}
