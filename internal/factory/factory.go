package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/client"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/sms"
	tlsmanager "otp-auth-service/internal/tls"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

// Factory owns the lifecycle of every external client and hands out the
// wired service layer. Redis and Scylla are required; Kafka, ClickHouse,
// SNS and KMS are optional and degrade to local substitutes.
type Factory struct {
	cfg        *config.Config
	tlsManager *tlsmanager.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	chRecorder       *audit.ClickHouseRecorder

	services *service.Services

	closeOnce sync.Once
}

func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{cfg: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tlsmanager.NewManager(cfg.Server)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled))

	return f, nil
}

// initializeClients brings up the required stores concurrently and fails
// fast when either is unreachable. Optional sinks only log on failure.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		redisClient, err := client.NewRedisClient(f.cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if err := redisClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		f.redisClient = redisClient
		return nil
	})

	g.Go(func() error {
		scyllaClient, err := scylla.NewScyllaClient(f.cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		if err := scyllaClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		f.scyllaClient = scyllaClient
		return nil
	})

	if err := g.Wait(); err != nil {
		f.Close()
		return err
	}

	if f.cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.cfg)
		if err != nil {
			util.Warn("kafka unavailable, auth events will not be streamed", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.cfg.Clickhouse.Enabled {
		chClient, err := client.NewClickHouseClient(f.cfg)
		if err != nil {
			util.Warn("clickhouse unavailable, auth events will not be archived", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
		}
	}

	return nil
}

func (f *Factory) initializeServices() error {
	buckets := bucketing.NewManager(f.cfg)
	hasher := hashing.NewHasher(f.cfg)

	var kmsClient *kms.Client
	if f.cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config for kms: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	encryptor := encryption.NewManager(f.cfg, kmsClient)

	tokens, err := token.NewProvider(f.cfg)
	if err != nil {
		return fmt.Errorf("token provider: %w", err)
	}

	var sender sms.Sender = sms.LogSender{}
	if f.cfg.SNS.Enabled {
		snsSender, err := sms.NewSNSSender(context.Background(), f.cfg)
		if err != nil {
			return fmt.Errorf("sns sender: %w", err)
		}
		sender = snsSender
	} else if f.cfg.IsProduction() {
		return fmt.Errorf("sns must be enabled in production, codes cannot go to the log")
	}

	var recorders audit.MultiRecorder
	if f.kafkaProducer != nil {
		recorders = append(recorders, audit.NewKafkaRecorder(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		f.chRecorder = audit.NewClickHouseRecorder(f.clickhouseClient)
		recorders = append(recorders, f.chRecorder)
	}
	var recorder audit.Recorder = audit.NopRecorder{}
	if len(recorders) > 0 {
		recorder = recorders
	}

	f.services = service.NewServices(service.Dependencies{
		Config:    f.cfg,
		OTPCache:  redisrepo.NewOTPCache(f.redisClient),
		RateCache: redisrepo.NewRateLimitCache(f.redisClient),
		Sessions:  redisrepo.NewSessionCache(f.redisClient),
		Users:     scylla.NewUserRepository(f.scyllaClient, buckets),
		Buckets:   buckets,
		Hasher:    hasher,
		Tokens:    tokens,
		Encryptor: encryptor,
		SMS:       sender,
		Recorder:  recorder,
	})

	return nil
}

func (f *Factory) Services() *service.Services { return f.services }
func (f *Factory) Config() *config.Config     { return f.cfg }

func (f *Factory) TLSManager() *tlsmanager.Manager { return f.tlsManager }

// HealthCheck probes the required dependencies for the health endpoint.
func (f *Factory) HealthCheck(r *http.Request) map[string]string {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := make(map[string]string, 2)

	if err := f.redisClient.HealthCheck(ctx); err != nil {
		deps["redis"] = err.Error()
	} else {
		deps["redis"] = "ok"
	}

	if err := f.scyllaClient.HealthCheck(ctx); err != nil {
		deps["scylla"] = err.Error()
	} else {
		deps["scylla"] = "ok"
	}

	return deps
}

// Close shuts every client down exactly once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.chRecorder != nil {
			f.chRecorder.Close()
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		util.Info("factory closed")
	})
}
