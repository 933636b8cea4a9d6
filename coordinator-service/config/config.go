package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	LeaseStore = "store"
	LeaseRedis = "redis"

	TransportMemory = "memory"
	TransportSNSSQS = "sns-sqs"
)

type Config struct {
	ServiceName  string       `mapstructure:"service_name"`
	Env          string       `mapstructure:"env"`
	Port         string       `mapstructure:"port"`
	WorkerID     string       `mapstructure:"worker_id"`
	LogLevel     string       `mapstructure:"log_level"`
	Storage      string       `mapstructure:"storage"`
	Transport    string       `mapstructure:"transport"`
	Database     Database     `mapstructure:"database"`
	Lease        Lease        `mapstructure:"lease"`
	Redis        Redis        `mapstructure:"redis"`
	AWS          AWS          `mapstructure:"aws"`
	Telemetry    Telemetry    `mapstructure:"telemetry"`
	Saga         Saga         `mapstructure:"saga"`
	Compensation Compensation `mapstructure:"compensation"`
	Transaction  Transaction  `mapstructure:"transaction"`
	Outbox       Outbox       `mapstructure:"outbox"`
	Inbox        Inbox        `mapstructure:"inbox"`
	Services     Services     `mapstructure:"services"`
}

type Database struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

type Lease struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type AWS struct {
	Region      string `mapstructure:"region"`
	EndpointSNS string `mapstructure:"endpoint_sns"`
	EndpointSQS string `mapstructure:"endpoint_sqs"`
	SNSTopicArn string `mapstructure:"sns_topic_arn"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
	SQSWorkers  int32  `mapstructure:"sqs_workers"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Retry mirrors domain.RetryPolicy with plain durations
type Retry struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

func (r Retry) Policy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: domain.Duration(r.InitialInterval),
		MaxInterval:     domain.Duration(r.MaxInterval),
		Multiplier:      r.Multiplier,
	}
}

type Saga struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ScanLimit    int           `mapstructure:"scan_limit"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	Retry        Retry         `mapstructure:"retry"`
}

type Compensation struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   Retry         `mapstructure:"retry"`
}

type Transaction struct {
	VoteTimeout  time.Duration `mapstructure:"vote_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ScanLimit    int           `mapstructure:"scan_limit"`
	Retry        Retry         `mapstructure:"retry"`
}

type Outbox struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Workers        int           `mapstructure:"workers"`
	Retention      time.Duration `mapstructure:"retention"`
}

type Inbox struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Endpoint binds a service ref to the URL serving it. Refs are dotted
// ("payments.charge"), so they are list values rather than map keys, which
// viper would split on the dots.
type Endpoint struct {
	Ref string `mapstructure:"ref"`
	URL string `mapstructure:"url"`
}

// Services lists the endpoints behind the refs used by saga steps and
// transactions.
type Services struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Executors    []Endpoint    `mapstructure:"executors"`
	Compensators []Endpoint    `mapstructure:"compensators"`
	Participants []Endpoint    `mapstructure:"participants"`
}

func (s Services) validate() error {
	for kind, endpoints := range map[string][]Endpoint{
		"executors":    s.Executors,
		"compensators": s.Compensators,
		"participants": s.Participants,
	} {
		seen := make(map[string]struct{}, len(endpoints))
		for _, e := range endpoints {
			if e.Ref == "" || e.URL == "" {
				return errors.Errorf("services.%s: ref and url are required", kind)
			}
			if _, dup := seen[e.Ref]; dup {
				return errors.Errorf("services.%s: duplicate ref %q", kind, e.Ref)
			}
			seen[e.Ref] = struct{}{}
		}
	}
	return nil
}

func ReadConfig() (*Config, error) {
	v := viper.New()

	configDir := os.Getenv("COORD_CONFIG_DIR")
	if configDir == "" {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			return nil, fmt.Errorf("unable to get current file")
		}
		configDir = filepath.Dir(filename)
	}

	v.SetConfigName(getConfigName())
	v.SetConfigType("json")
	v.AddConfigPath(configDir)

	// Allow environment variables to override config
	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.WorkerID == "" {
		config.WorkerID = defaultWorkerID()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service_name", "coordinator-service")
	v.SetDefault("env", "local")
	v.SetDefault("port", "8080")
	v.SetDefault("worker_id", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("transport", TransportSNSSQS)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "coordination")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("lease.driver", LeaseStore)
	v.SetDefault("lease.ttl", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "coordination:lease:")

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint_sns", "")
	v.SetDefault("aws.endpoint_sqs", "")
	v.SetDefault("aws.sns_topic_arn", "arn:aws:sns:us-east-1:000000000000:coordination-events")
	v.SetDefault("aws.sqs_queue_url", "http://localhost:4566/000000000000/coordination-commands")
	v.SetDefault("aws.sqs_workers", 10)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")

	v.SetDefault("saga.workers", 4)
	v.SetDefault("saga.poll_interval", time.Second)
	v.SetDefault("saga.scan_limit", 100)
	v.SetDefault("saga.step_timeout", 10*time.Second)
	setRetryDefaults(v, "saga.retry")

	v.SetDefault("compensation.timeout", 10*time.Second)
	v.SetDefault("compensation.retry.max_attempts", 5)
	v.SetDefault("compensation.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("compensation.retry.max_interval", 30*time.Second)
	v.SetDefault("compensation.retry.multiplier", 2.0)

	v.SetDefault("transaction.vote_timeout", 10*time.Second)
	v.SetDefault("transaction.call_timeout", 5*time.Second)
	v.SetDefault("transaction.workers", 4)
	v.SetDefault("transaction.poll_interval", 5*time.Second)
	v.SetDefault("transaction.scan_limit", 100)
	setRetryDefaults(v, "transaction.retry")

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.base_backoff", time.Second)
	v.SetDefault("outbox.max_backoff", 5*time.Minute)
	v.SetDefault("outbox.poll_interval", 500*time.Millisecond)
	v.SetDefault("outbox.publish_timeout", 10*time.Second)
	v.SetDefault("outbox.workers", 1)
	v.SetDefault("outbox.retention", 7*24*time.Hour)

	v.SetDefault("inbox.max_attempts", 5)

	v.SetDefault("services.timeout", 10*time.Second)
}

func setRetryDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".max_attempts", 3)
	v.SetDefault(prefix+".initial_interval", 200*time.Millisecond)
	v.SetDefault(prefix+".max_interval", 5*time.Second)
	v.SetDefault(prefix+".multiplier", 2.0)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Validate rejects unknown drivers and unusable timings
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	switch c.Lease.Driver {
	case LeaseStore, LeaseRedis:
	default:
		return errors.Errorf("unknown lease driver %q", c.Lease.Driver)
	}
	switch c.Transport {
	case TransportMemory, TransportSNSSQS:
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease.ttl must be positive")
	}
	if c.Transaction.CallTimeout > c.Transaction.VoteTimeout {
		return errors.New("transaction.call_timeout must not exceed transaction.vote_timeout")
	}
	for _, p := range []domain.RetryPolicy{c.Saga.Retry.Policy(), c.Compensation.Retry.Policy(), c.Transaction.Retry.Policy()} {
		if err := p.Validate(); err != nil {
			return errors.Wrap(err, "invalid retry policy")
		}
	}
	return c.Services.validate()
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
