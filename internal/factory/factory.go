package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/delivery"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/ledger"
	"identity-service/internal/repository/postgres"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/tasks"
	"identity-service/internal/tls"
	"identity-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 20 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresClient   *client.PostgresClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Background workers
	dispatcher  *tasks.Dispatcher
	auditLogger *audit.Logger

	notifier       *delivery.Notifier
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config and connects every dependency. Scylla and Postgres
// are required; the telemetry stores and Kafka are optional outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction(), util.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("ledger_enabled", f.kafkaProducer != nil && cfg.PIN.LedgerEnabled),
	)

	return f, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients(ctx context.Context) error {
	var required, optional []error

	// ScyllaDB holds OTP challenges, identity mappings and PINs.
	if c, err := scylla.NewScyllaClient(f.config, util.Named("scylla")); err != nil {
		required = append(required, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := c.EnsureSchema(ctx); err != nil {
			required = append(required, fmt.Errorf("scylla schema: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and schema ensured")
		}
	}

	// Postgres is the user directory.
	if c, err := client.NewPostgresClient(f.config, util.Named("postgres")); err != nil {
		required = append(required, fmt.Errorf("postgres: %w", err))
	} else {
		f.postgresClient = c
		if err := postgres.NewDirectoryRepository(c.DB, util.Named("directory")).EnsureSchema(ctx); err != nil {
			required = append(required, fmt.Errorf("directory schema: %w", err))
		} else {
			util.Info("Postgres directory initialized and schema ensured")
		}
	}

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Named("redis")); err != nil {
		optional = append(optional, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := c.HealthCheck(ctx); err != nil {
			optional = append(optional, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if p, err := client.NewKafkaProducer(f.config, util.Named("kafka")); err != nil {
		optional = append(optional, fmt.Errorf("kafka: %w", err))
	} else {
		f.kafkaProducer = p
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config, util.Named("elasticsearch")); err != nil {
		optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Named("clickhouse")); err != nil {
		optional = append(optional, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
	}

	if len(required) > 0 {
		return errors.Join(required...)
	}
	if len(optional) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optional...))
		}
		for _, err := range optional {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		f.kmsClient = kms.NewFromConfig(awsCfg)
		kmsAPI = f.kmsClient
	} else if f.config.IsProduction() {
		util.Warn("KMS disabled in production, contact fields use local data keys")
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsAPI)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", f.kmsClient != nil),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	f.dispatcher = tasks.NewDispatcher(tasks.OptionsFromConfig(cfg.Tasks), util.Named("tasks"))

	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.EventsTable))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.EventsIndex))
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, cfg.Kafka.EventsTopic, f.bucketingManager))
	}
	f.auditLogger = audit.NewLogger(util.Get(), audit.Options{}, sinks...)

	notifier, err := delivery.NewNotifierFromConfig(ctx, cfg, util.Named("delivery"))
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	f.notifier = notifier

	deps := service.Dependencies{
		Config:    cfg,
		OTPs:      scylla.NewOTPRepository(f.scyllaClient, util.Named("otp_repository")),
		Mappings:  scylla.NewIdentityRepository(f.scyllaClient, util.Named("identity_repository")),
		Pins:      scylla.NewPinRepository(f.scyllaClient, f.bucketingManager, util.Named("pin_repository")),
		Directory: postgres.NewDirectoryRepository(f.postgresClient.DB, util.Named("directory")),
		Hasher:    f.hasher,
		Encrypter: f.encryptionManager,
		Notifier:  f.notifier,
		Tasks:     f.dispatcher,
		Recorder:  f.auditLogger,
		Logger:    util.Get(),
	}
	// Interface fields stay nil when the backing client is absent.
	if store := f.rateLimitStore(); store != nil {
		deps.RateLimits = store
	}
	if f.kafkaProducer != nil && cfg.PIN.LedgerEnabled {
		deps.Ledger = ledger.NewKafkaSubmitter(f.kafkaProducer, cfg.Kafka.LedgerTopic, util.Named("ledger"))
	}

	sf, err := service.NewServiceFactory(deps)
	if err != nil {
		return err
	}
	f.serviceFactory = sf
	return nil
}

func (f *Factory) rateLimitStore() *redisrepo.RateLimitCache {
	if f.redisClient == nil {
		util.Warn("Redis unavailable, rate limiting disabled")
		return nil
	}
	return redisrepo.NewRateLimitCache(f.redisClient.Client, f.config.RateLimit.Strategy, util.Named("rate_limit"))
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

type healthCheck struct {
	name     string
	optional bool
	check    func(ctx context.Context) error
}

func (f *Factory) healthChecks() []healthCheck {
	var checks []healthCheck
	if f.scyllaClient != nil {
		checks = append(checks, healthCheck{name: "scylla", check: f.scyllaClient.HealthCheck})
	}
	if f.postgresClient != nil {
		checks = append(checks, healthCheck{name: "postgres", check: f.postgresClient.HealthCheck})
	}
	if f.redisClient != nil {
		checks = append(checks, healthCheck{name: "redis", optional: true, check: f.redisClient.HealthCheck})
	}
	if f.kafkaProducer != nil {
		checks = append(checks, healthCheck{name: "kafka", optional: true, check: f.kafkaProducer.HealthCheck})
	}
	if f.esClient != nil {
		checks = append(checks, healthCheck{name: "elasticsearch", optional: true, check: f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, healthCheck{name: "clickhouse", optional: true, check: f.clickhouseClient.HealthCheck})
	}
	return checks
}

// HealthCheck probes every connected dependency in parallel. A nil value
// means the dependency answered.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := f.healthChecks()
	results := make([]error, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, hc := range checks {
		i, hc := i, hc
		g.Go(func() error {
			results[i] = hc.check(gctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(checks)+1)
	for i, hc := range checks {
		out[hc.name] = results[i]
	}
	if f.serviceFactory == nil {
		out["services"] = fmt.Errorf("service factory not initialized")
	}
	return out
}

// IsHealthy ignores optional dependencies; losing them degrades telemetry, not login.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	results := f.HealthCheck(ctx)
	for _, hc := range f.healthChecks() {
		if hc.optional {
			delete(results, hc.name)
		}
	}
	for _, err := range results {
		if err != nil {
			return false
		}
	}
	return true
}

// ==============================
// Lifecycle
// ==============================

// Close drains background work before closing the clients it writes through.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Task dispatcher did not drain", util.ErrorField(err))
			}
			stats := f.dispatcher.Stats()
			util.Info("Task dispatcher closed",
				util.Int64("succeeded", int64(stats.Succeeded)),
				util.Int64("failed", int64(stats.Failed)),
				util.Int64("dropped", int64(stats.Dropped)),
			)
		}

		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit logger flushed", util.Int64("dropped", int64(f.auditLogger.Dropped())))
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.postgresClient != nil {
			if err := f.postgresClient.Close(); err != nil {
				util.Error("Failed to close Postgres client", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
