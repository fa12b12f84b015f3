package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	Environment string

	Server     ServerConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	SNS        SNSConfig
	KMS        KMSConfig
	OTP        OTPConfig
	Token      TokenConfig
	Hashing    HashingConfig
	Bucketing  BucketingConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type SNSConfig struct {
	Enabled bool
	Region  string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// OTPConfig controls the code lifecycle and the per-phone abuse limits.
type OTPConfig struct {
	CodeLength     int
	Validity       time.Duration
	AttemptBudget  int
	ResendCooldown time.Duration
	WindowLength   time.Duration
	WindowLimit    int
}

type TokenConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	CookieDomain   string
	CookieSecure   bool
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment. A .env file is loaded
// first when present so local development needs no exported variables.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/otp-auth/certs"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "otp_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_AUTH_EVENTS_TOPIC", "auth-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		SNS: SNSConfig{
			Enabled: getEnvBool("SNS_ENABLED", false),
			Region:  getEnv("SNS_REGION", "us-east-1"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		OTP: OTPConfig{
			CodeLength:     getEnvInt("OTP_CODE_LENGTH", 6),
			Validity:       getEnvDuration("OTP_VALIDITY", 5*time.Minute),
			AttemptBudget:  getEnvInt("OTP_ATTEMPT_BUDGET", 5),
			ResendCooldown: getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
			WindowLength:   getEnvDuration("OTP_WINDOW_LENGTH", time.Hour),
			WindowLimit:    getEnvInt("OTP_WINDOW_LIMIT", 5),
		},
		Token: TokenConfig{
			PrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./keys/jwt_private.pem"),
			PublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./keys/jwt_public.pem"),
			AccessTTL:      getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:     getEnvDuration("REFRESH_TOKEN_TTL", 720*time.Hour),
			CookieDomain:   getEnv("TOKEN_COOKIE_DOMAIN", ""),
			CookieSecure:   getEnvBool("TOKEN_COOKIE_SECURE", true),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
			Pepper:            getEnv("OTP_PEPPER", ""),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
