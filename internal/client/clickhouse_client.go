package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// ClickHouseClient is a thin wrapper used by the audit sink.
type ClickHouseClient struct {
	conn driver.Conn
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	opts := &ch.Options{
		Addr: []string{clickhouseHostPort(cfg.Clickhouse.URL)},
		Auth: ch.Auth{
			Username: cfg.Clickhouse.Username,
			Password: cfg.Clickhouse.Password,
			Database: cfg.Clickhouse.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("clickhouse client initialized",
		util.String("database", cfg.Clickhouse.Database))

	return &ClickHouseClient{conn: conn}, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert appends rows to a prepared batch and sends it in one round trip.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]any) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("failed to close clickhouse connection", util.ErrorField(err))
		return err
	}
	util.Info("clickhouse connection closed")
	return nil
}

func clickhouseHostPort(url string) string {
	hostPort := strings.TrimPrefix(url, "http://")
	hostPort = strings.TrimPrefix(hostPort, "https://")
	if !strings.Contains(hostPort, ":") {
		if strings.HasPrefix(url, "https://") {
			return hostPort + ":8443"
		}
		return hostPort + ":8123"
	}
	return hostPort
}
