package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// ErrUserNotFound is returned when no identity exists for the lookup key.
var ErrUserNotFound = errors.New("user not found")

// UserRepository persists identities across two tables: users, partitioned
// by bucket, and phone_to_user, the hash-keyed lookup index. Both rows are
// written in one logged batch so a phone can never point at a missing user.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.Manager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets}
}

func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.buckets.UserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.UserBucket, user.UserID, user.PhoneHash, user.PhoneEncrypted,
		user.PhoneKeyID, user.Role, user.IsActive, user.IsBlocked,
		user.CreatedAt, user.UpdatedAt, user.LastLoginAt)

	batch.Query(r.client.Prepared.CreatePhoneToUser.Statement(),
		user.PhoneHash, user.UserBucket, user.UserID, user.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("failed to create user",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("user created", util.String("user_id", user.UserID))
	return nil
}

// GetUserByPhoneHash resolves the phone index, then loads the full row.
func (r *UserRepository) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*model.User, error) {
	var (
		bucket int
		userID string
	)

	err := r.client.Prepared.GetPhoneToUser.Bind(phoneHash).
		WithContext(ctx).Scan(&bucket, &userID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		util.Error("failed to resolve phone index", util.ErrorField(err))
		return nil, fmt.Errorf("failed to resolve phone index: %w", err)
	}

	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	return r.getUser(ctx, r.buckets.UserBucket(userID), userID)
}

func (r *UserRepository) getUser(ctx context.Context, bucket int, userID string) (*model.User, error) {
	user := &model.User{}
	var lastLogin *time.Time

	err := r.client.Prepared.GetUserByID.Bind(bucket, userID).
		WithContext(ctx).Scan(
		&user.UserBucket, &user.UserID, &user.PhoneHash, &user.PhoneEncrypted,
		&user.PhoneKeyID, &user.Role, &user.IsActive, &user.IsBlocked,
		&user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		util.Error("failed to get user",
			util.String("user_id", userID),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.LastLoginAt = lastLogin
	return user, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	err := r.client.Prepared.UpdateLastLogin.
		Bind(at, at, r.buckets.UserBucket(userID), userID).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("failed to update last login",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *UserRepository) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	err := r.client.Prepared.SetBlocked.
		Bind(blocked, time.Now().UTC(), r.buckets.UserBucket(userID), userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update blocked flag: %w", err)
	}
	return nil
}
