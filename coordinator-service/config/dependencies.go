package config

import (
	"context"
	"fmt"
	"os"

	"github.com/draftea/coordination-engine/coordinator-service/application"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/coordinator-service/handlers"
	"github.com/draftea/coordination-engine/coordinator-service/infrastructure"
	"github.com/draftea/coordination-engine/shared/events"
	sharedinfra "github.com/draftea/coordination-engine/shared/infrastructure"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type Dependencies struct {
	Logger *logrus.Entry

	// Storage
	DB    *sqlx.DB
	Redis *redis.Client
	Store domain.StateStore

	// Transport
	EventPublisher  events.Publisher
	EventSubscriber events.Subscriber
	MemoryBus       *sharedinfra.MemoryBus
	closers         []func() error

	// Coordination
	Registry     *application.Registry
	Orchestrator *application.SagaOrchestrator
	Coordinator  *application.TransactionCoordinator
	Outbox       *application.OutboxPublisher
	Inbox        *application.InboxConsumer

	// HTTP Handlers
	CoordinatorHandlers *handlers.CoordinatorHandlers

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

// NewLogger builds the process logger from the configured level
func NewLogger(config *Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger.WithFields(logrus.Fields{
		"service":   config.ServiceName,
		"env":       config.Env,
		"worker_id": config.WorkerID,
	})
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{Logger: NewLogger(config)}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.CoordinatorServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			deps.Logger.WithError(err).Warn("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	if err := deps.buildStore(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}
	if err := deps.buildTransport(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	deps.Registry = BuildRegistry(config, deps.Logger)
	deps.buildCoordination(config)

	deps.CoordinatorHandlers = handlers.NewCoordinatorHandlers(deps.Orchestrator, deps.Coordinator)

	return deps, nil
}

func (d *Dependencies) buildStore(ctx context.Context, config *Config) error {
	var store domain.StateStore

	switch config.Storage {
	case StoragePostgres:
		db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		d.DB = db
		db.SetMaxOpenConns(config.Database.MaxOpenConns)

		pg := infrastructure.NewPostgresStateStore(db, models.SystemClock{}, d.Logger)
		if config.Database.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		store = pg
	default:
		store = infrastructure.NewMemoryStateStore(models.SystemClock{})
	}

	if config.Lease.Driver == LeaseRedis {
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		store = infrastructure.WithLeaseManager(store, infrastructure.NewRedisLeaseManager(d.Redis, config.Redis.Prefix))
	}

	d.Store = store
	return nil
}

func (d *Dependencies) buildTransport(ctx context.Context, config *Config) error {
	if config.Transport == TransportMemory {
		bus := sharedinfra.NewMemoryBus(1024, d.Logger)
		d.MemoryBus = bus
		d.EventPublisher = bus
		d.EventSubscriber = bus
		return nil
	}

	awsOpts := sharedinfra.AWSOptions{
		Region:      config.AWS.Region,
		EndpointSNS: config.AWS.EndpointSNS,
		EndpointSQS: config.AWS.EndpointSQS,
	}

	publisher, err := sharedinfra.NewSNSPublisherAdapter(ctx, config.AWS.SNSTopicArn, awsOpts, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	d.EventPublisher = publisher
	d.closers = append(d.closers, publisher.Close)

	sqsClient, err := sharedinfra.NewSQSClient(ctx, awsOpts)
	if err != nil {
		return fmt.Errorf("failed to create SQS client: %w", err)
	}
	subscriber := sharedinfra.NewSQSSubscriberAdapter(sqsClient, config.AWS.SQSQueueURL, d.Logger,
		sharedinfra.WithWorkers(config.AWS.SQSWorkers))
	d.EventSubscriber = subscriber
	d.closers = append(d.closers, subscriber.Close)
	return nil
}

// BuildAdminDependencies opens the state store only. Without a transport the
// outbox can be inspected and requeued but not relayed.
func BuildAdminDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{Logger: NewLogger(config)}
	if config.Telemetry.Enabled {
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telemetry.AdminConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint))
		if err != nil {
			deps.Logger.WithError(err).Warn("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = shutdown
		}
	}
	if err := deps.buildStore(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}
	deps.Registry = application.NewRegistry()
	deps.buildCoordination(config)
	return deps, nil
}

// BuildRegistry registers an HTTP client for every configured service ref
func BuildRegistry(config *Config, logger *logrus.Entry) *application.Registry {
	registry := application.NewRegistry()
	client := infrastructure.NewHTTPClient(config.Services.Timeout)

	for _, e := range config.Services.Executors {
		registry.RegisterExecutor(e.Ref, infrastructure.NewHTTPStepExecutor(client, e.URL, logger.WithField("service_ref", e.Ref)))
	}
	for _, e := range config.Services.Compensators {
		registry.RegisterCompensator(e.Ref, infrastructure.NewHTTPCompensator(client, e.URL))
	}
	for _, e := range config.Services.Participants {
		registry.RegisterParticipant(e.Ref, infrastructure.NewHTTPParticipant(client, e.URL))
	}

	logger.WithFields(logrus.Fields{
		"executors":    len(config.Services.Executors),
		"compensators": len(config.Services.Compensators),
		"participants": len(config.Services.Participants),
	}).Info("service registry built")
	return registry
}

func (d *Dependencies) buildCoordination(config *Config) {
	clock := models.SystemClock{}

	compensation := application.NewCompensationEngine(d.Store, d.Registry, clock, application.CompensationConfig{
		RetryPolicy:    config.Compensation.Retry.Policy(),
		DefaultTimeout: config.Compensation.Timeout,
	}, nil, d.Logger)

	d.Orchestrator = application.NewSagaOrchestrator(d.Store, d.Registry, compensation, clock, application.OrchestratorConfig{
		WorkerID:           config.WorkerID,
		Workers:            config.Saga.Workers,
		PollInterval:       config.Saga.PollInterval,
		LeaseTTL:           config.Lease.TTL,
		ScanLimit:          config.Saga.ScanLimit,
		DefaultStepTimeout: config.Saga.StepTimeout,
		DefaultRetryPolicy: config.Saga.Retry.Policy(),
	}, nil, d.Logger)

	d.Coordinator = application.NewTransactionCoordinator(d.Store, d.Registry, clock, application.CoordinatorConfig{
		WorkerID:     config.WorkerID,
		VoteTimeout:  config.Transaction.VoteTimeout,
		CallTimeout:  config.Transaction.CallTimeout,
		RetryPolicy:  config.Transaction.Retry.Policy(),
		LeaseTTL:     config.Lease.TTL,
		Workers:      config.Transaction.Workers,
		PollInterval: config.Transaction.PollInterval,
		ScanLimit:    config.Transaction.ScanLimit,
	}, d.Logger)

	d.Outbox = application.NewOutboxPublisher(d.Store, d.EventPublisher, clock, application.OutboxConfig{
		BatchSize:      config.Outbox.BatchSize,
		MaxRetries:     config.Outbox.MaxRetries,
		BaseBackoff:    config.Outbox.BaseBackoff,
		MaxBackoff:     config.Outbox.MaxBackoff,
		PollInterval:   config.Outbox.PollInterval,
		PublishTimeout: config.Outbox.PublishTimeout,
		Workers:        config.Outbox.Workers,
		Alert:          outboxAlert(d.Logger),
	}, d.Logger)

	router := application.NewInboxRouter(d.Logger)
	handlers.NewSagaCommandHandlers(d.Orchestrator, d.Logger).Register(router)
	d.Inbox = application.NewInboxConsumer(d.Store, router, clock, application.InboxConfig{
		MaxAttempts: config.Inbox.MaxAttempts,
		DeadLetter:  inboxDeadLetter(d.Logger),
	}, d.Logger)
}

// outboxAlert pages on messages the relay gave up on. They stay in the
// outbox as failed until requeued from the admin CLI.
func outboxAlert(logger *logrus.Entry) func(context.Context, *domain.OutboxMessage) {
	logger = logger.WithField("alert", "outbox_failed")
	return func(ctx context.Context, msg *domain.OutboxMessage) {
		logger.WithFields(logrus.Fields{
			"outbox_id":    msg.ID,
			"aggregate_id": msg.AggregateID,
			"topic":        msg.Topic,
			"sequence":     msg.Sequence,
			"last_error":   msg.LastError,
			"requeue":      "coordinator-admin outbox requeue " + msg.ID.String(),
		}).Error("outbox message needs operator attention")
		telemetry.RecordCounter(ctx, "coordinator_alerts_total", "Operator alerts raised", 1,
			attribute.String("alert", "outbox_failed"))
	}
}

// inboxDeadLetter pages on poison messages kept in the inbox
func inboxDeadLetter(logger *logrus.Entry) func(context.Context, *domain.InboxMessage) {
	logger = logger.WithField("alert", "inbox_dead_lettered")
	return func(ctx context.Context, msg *domain.InboxMessage) {
		logger.WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"topic":      msg.Topic,
			"attempts":   msg.Attempts,
			"last_error": msg.LastError,
		}).Error("inbox message needs operator attention")
		telemetry.RecordCounter(ctx, "coordinator_alerts_total", "Operator alerts raised", 1,
			attribute.String("alert", "inbox_dead_lettered"))
	}
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}
	return nil
}
