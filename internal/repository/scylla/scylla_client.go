package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// PreparedStatements holds the statements the user repository binds.
type PreparedStatements struct {
	CreateUser        *gocql.Query
	CreatePhoneToUser *gocql.Query
	GetUserByID       *gocql.Query
	GetPhoneToUser    *gocql.Query
	UpdateLastLogin   *gocql.Query
	SetBlocked        *gocql.Query
}

// ScyllaClient owns the session and the prepared statement set for the
// identity keyspace.
type ScyllaClient struct {
	Session  *gocql.Session
	Prepared *PreparedStatements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Scylla.Nodes...)
	cluster.Keyspace = cfg.Scylla.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.Scylla.Username != "" && cfg.Scylla.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Scylla.Username,
			Password: cfg.Scylla.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session}
	client.prepareStatements()

	util.Info("scylla client initialized",
		util.Any("nodes", cfg.Scylla.Nodes),
		util.String("keyspace", cfg.Scylla.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() {
	s.Prepared = &PreparedStatements{
		CreateUser: s.Session.Query(`
			INSERT INTO users (
				user_bucket, user_id, phone_hash, phone_encrypted, phone_key_id,
				role, is_active, is_blocked, created_at, updated_at, last_login
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),

		CreatePhoneToUser: s.Session.Query(`
			INSERT INTO phone_to_user (phone_hash, user_bucket, user_id, created_at)
			VALUES (?, ?, ?, ?)`),

		GetUserByID: s.Session.Query(`
			SELECT user_bucket, user_id, phone_hash, phone_encrypted, phone_key_id,
				role, is_active, is_blocked, created_at, updated_at, last_login
			FROM users WHERE user_bucket = ? AND user_id = ?`),

		GetPhoneToUser: s.Session.Query(`
			SELECT user_bucket, user_id FROM phone_to_user WHERE phone_hash = ?`),

		UpdateLastLogin: s.Session.Query(`
			UPDATE users SET last_login = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`),

		SetBlocked: s.Session.Query(`
			UPDATE users SET is_blocked = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`),
	}
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).
		WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("scylla client closed")
	}
}
