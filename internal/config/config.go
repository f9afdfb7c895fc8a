// Package config loads the router's structured configuration: defaults
// first, then an optional YAML/.env file, then environment variables
// (highest priority), following the teacher's internal/config.go
// InitDefaults -> parseConfigFile -> parseEnvVariables layering.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hookrelay/hookrelay/internal/retry"
)

func getConfigLocations() []string {
	return []string{
		".env",
		".hookrelay.yaml",
		"config/hookrelay.yaml",
		"config/hookrelay/config.yaml",
		"config/hookrelay/.env",
		"/config/hookrelay.yaml",
		"/config/hookrelay/config.yaml",
		"/config/hookrelay/.env",
	}
}

// Flags are the command-line overrides cmd/router accepts alongside
// the layered file/env configuration.
type Flags struct {
	Service string
	Config  string
}

type Config struct {
	validated  bool
	configPath string

	Service  string `yaml:"service" env:"SERVICE" desc:"'api', 'worker', 'scheduler', or empty to run all three in one process."`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" desc:"trace, debug, info, warn, or error."`

	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Retry      RetryConfig      `yaml:"retry"`
	Security   SecurityConfig   `yaml:"security"`
	Processing ProcessingConfig `yaml:"processing"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port    int    `yaml:"port" env:"SERVER_PORT" desc:"Port the ingest HTTP server listens on."`
	GinMode string `yaml:"gin_mode" env:"GIN_MODE" desc:"Gin framework mode: debug, release, or test."`
}

type IngestConfig struct {
	WebhookSecret string `yaml:"webhook_secret" env:"INGEST_WEBHOOK_SECRET" desc:"Shared HMAC-SHA-256 secret the signature header is verified against."`
}

type StoreConfig struct {
	Kind                  string `yaml:"kind" env:"STORE_KIND" desc:"Durable store backend. Currently: 'postgres'."`
	PostgresURL           string `yaml:"postgres_url" env:"STORE_POSTGRES_URL" desc:"Postgres connection URL for the event store."`
	RedisURL              string `yaml:"redis_url" env:"STORE_REDIS_URL" desc:"Redis connection URL backing the subscriber cache and idempotence claims."`
	MasterEncryptionSecret string `yaml:"master_encryption_secret" env:"STORE_MASTER_ENCRYPTION_SECRET" desc:"PBKDF2 master secret events' encrypted headers are derived from."`
}

type QueueConfig struct {
	Kind                string        `yaml:"kind" env:"QUEUE_KIND" desc:"Fan-out job queue backend: 'memory' or 'redis'."`
	RedisURL            string        `yaml:"redis_url" env:"QUEUE_REDIS_URL" desc:"Redis connection URL for the redis-backed queue."`
	MaxAttempts         int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS" desc:"Attempts a message may be received before the queue itself refuses further redelivery."`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT" desc:"How long a received message stays invisible to other consumers."`
	RetentionPeriod     time.Duration `yaml:"retention_period" env:"QUEUE_RETENTION_PERIOD" desc:"Parsed but not read by any component."`
	DeadLetterThreshold int           `yaml:"dead_letter_threshold" env:"QUEUE_DEAD_LETTER_THRESHOLD" desc:"Parsed but not read by any component; the dead-letter threshold in use is retry.dead_letter_threshold."`
}

// DeliveryConfig carries a per-transport-kind timeout, keyed by
// models.TransportKind string value (e.g. "http-webhook").
type DeliveryConfig struct {
	TimeoutsSeconds map[string]int `yaml:"timeouts_seconds" desc:"Per-transport-kind delivery timeout in seconds."`
}

func (d DeliveryConfig) Timeout(kind string, fallback time.Duration) time.Duration {
	if secs, ok := d.TimeoutsSeconds[kind]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

type RetryConfig struct {
	MaxAttempts         int    `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" desc:"Attempts admitted before a delivery is considered permanently failed."`
	DeadLetterThreshold int    `yaml:"dead_letter_threshold" env:"RETRY_DEAD_LETTER_THRESHOLD" desc:"Attempt count at which a permanently failed event moves to dead-letter instead of just failed."`
	BackoffStrategy     string `yaml:"backoff_strategy" env:"RETRY_BACKOFF_STRATEGY" desc:"'linear' or 'exponential'."`
	InitialDelayMS      int    `yaml:"initial_delay_ms" env:"RETRY_INITIAL_DELAY_MS" desc:"Backoff base delay in milliseconds."`
	MaxDelayMS          int    `yaml:"max_delay_ms" env:"RETRY_MAX_DELAY_MS" desc:"Backoff delay ceiling in milliseconds."`
	RetryableStatusCodes []int `yaml:"retryable_status_codes" env:"RETRY_RETRYABLE_STATUS_CODES" envSeparator:"," desc:"HTTP status codes (plus 0 for connection failures) that admit a retry. Empty uses the built-in default set."`
}

// Backoff builds the retry.Backoff this configuration describes,
// wrapped in jitter per §4.6.
func (r RetryConfig) Backoff() retry.Backoff {
	maxDelay := time.Duration(r.MaxDelayMS) * time.Millisecond
	interval := time.Duration(r.InitialDelayMS) * time.Millisecond

	var base retry.Backoff
	if strings.EqualFold(r.BackoffStrategy, "linear") {
		base = &retry.LinearBackoff{Interval: interval, MaxDelay: maxDelay}
	} else {
		base = &retry.ExponentialBackoff{Interval: interval, Base: 2, MaxDelay: maxDelay}
	}
	return &retry.WithJitter{Backoff: base, Fraction: 0.1}
}

func (r RetryConfig) RetryableCodes() map[int]bool {
	if len(r.RetryableStatusCodes) == 0 {
		return nil // Policy falls back to its own default set.
	}
	codes := make(map[int]bool, len(r.RetryableStatusCodes))
	for _, c := range r.RetryableStatusCodes {
		codes[c] = true
	}
	return codes
}

type SecurityConfig struct {
	RateLimitingEnabled bool     `yaml:"rate_limiting_enabled" env:"SECURITY_RATE_LIMITING_ENABLED" desc:"Enable the per-client-IP token bucket on the ingest endpoint."`
	RequestsPerMinute   int      `yaml:"requests_per_minute" env:"SECURITY_REQUESTS_PER_MINUTE" desc:"Token bucket refill rate when rate limiting is enabled."`
	PayloadSizeLimitMB  int      `yaml:"payload_size_limit_mb" env:"SECURITY_PAYLOAD_SIZE_LIMIT_MB" desc:"Maximum accepted request body size in megabytes."`
	IPAllowlist         []string `yaml:"ip_allowlist" env:"SECURITY_IP_ALLOWLIST" envSeparator:"," desc:"IPs or CIDRs allowed to call the ingest endpoint. Empty allows all."`
}

type ProcessingConfig struct {
	BatchSize          int `yaml:"batch_size" env:"PROCESSING_BATCH_SIZE" desc:"Messages fetched per queue poll by the delivery consumer and per tick by the retry scheduler."`
	ProcessingIntervalMS int `yaml:"processing_interval_ms" env:"PROCESSING_INTERVAL_MS" desc:"Poll interval in milliseconds for both the delivery consumer and the retry scheduler."`
}

type MonitoringConfig struct {
	LogLevel            string `yaml:"log_level" env:"MONITORING_LOG_LEVEL" desc:"Parsed but not read by any component; the logger level comes from the root log_level."`
	FailedDeliveryAlerts bool  `yaml:"failed_delivery_alerts" env:"MONITORING_FAILED_DELIVERY_ALERTS" desc:"Parsed but not read by any component."`

	QueueDepthThreshold  int64   `yaml:"queue_depth_threshold" env:"MONITORING_QUEUE_DEPTH_THRESHOLD" desc:"GET /healthz/ready fails once visible+in-flight queue depth reaches this."`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" env:"MONITORING_FAILURE_RATE_THRESHOLD" desc:"GET /healthz/ready fails once the share of recorded events with status failed reaches this (0-1); dead-lettered events are not counted as failed."`
}

var (
	ErrMismatchedServiceType    = errors.New("config validation error: service type mismatch")
	ErrMissingWebhookSecret     = errors.New("config validation error: ingest webhook secret is required")
	ErrMissingMasterEncryptionSecret = errors.New("config validation error: store master encryption secret is required")
	ErrMissingStorePostgresURL  = errors.New("config validation error: store postgres url is required")
	ErrInvalidQueueKind         = errors.New("config validation error: queue kind must be 'memory' or 'redis'")
	ErrMissingQueueRedisURL     = errors.New("config validation error: queue redis url is required for the redis queue kind")
)

func (c *Config) InitDefaults() {
	c.LogLevel = "info"
	c.Server = ServerConfig{Port: 8080, GinMode: "release"}
	c.Store = StoreConfig{Kind: "postgres"}
	c.Queue = QueueConfig{
		Kind:                "memory",
		MaxAttempts:         25,
		VisibilityTimeout:   30 * time.Second,
		RetentionPeriod:     24 * time.Hour,
		DeadLetterThreshold: 20,
	}
	c.Delivery = DeliveryConfig{TimeoutsSeconds: map[string]int{"http-webhook": 10}}
	c.Retry = RetryConfig{
		MaxAttempts:         10,
		DeadLetterThreshold: 15,
		BackoffStrategy:     "exponential",
		InitialDelayMS:      2000,
		MaxDelayMS:          3_600_000,
	}
	c.Security = SecurityConfig{
		RateLimitingEnabled: true,
		RequestsPerMinute:   600,
		PayloadSizeLimitMB:  10,
	}
	c.Processing = ProcessingConfig{BatchSize: 10, ProcessingIntervalMS: 1000}
	c.Monitoring = MonitoringConfig{
		LogLevel:             "info",
		QueueDepthThreshold:  10_000,
		FailureRateThreshold: 0.5,
	}
}

func (c *Config) parseConfigFile(flagPath string, osInterface OSInterface) error {
	configPath := flagPath
	if envPath := osInterface.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}

	if configPath == "" {
		for _, loc := range getConfigLocations() {
			if _, err := osInterface.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}
	if configPath == "" {
		return nil
	}

	data, err := osInterface.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	c.configPath = configPath

	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Read(configPath)
		if err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		return env.ParseWithOptions(c, env.Options{Environment: envMap})
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) parseEnvVariables(osInterface OSInterface) error {
	if _, ok := osInterface.(*defaultOSImpl); !ok {
		envMap := make(map[string]string)
		for _, e := range osInterface.Environ() {
			if i := strings.Index(e, "="); i >= 0 {
				envMap[e[:i]] = e[i+1:]
			}
		}
		return env.ParseWithOptions(c, env.Options{Environment: envMap})
	}
	return env.Parse(c)
}

func (c *Config) GetService() (ServiceType, error) {
	return ServiceTypeFromString(c.Service)
}

func (c *Config) MustGetService() ServiceType {
	if !c.validated {
		panic("MustGetService called before validation")
	}
	svc, _ := ServiceTypeFromString(c.Service)
	return svc
}

func (c *Config) ConfigFilePath() string {
	return c.configPath
}

func ParseWithoutValidation(flags Flags, osInterface OSInterface) (*Config, error) {
	var config Config
	config.InitDefaults()

	if err := config.parseConfigFile(flags.Config, osInterface); err != nil {
		return nil, err
	}
	if err := config.parseEnvVariables(osInterface); err != nil {
		return nil, err
	}
	return &config, nil
}

func Parse(flags Flags) (*Config, error) {
	return ParseWithOS(flags, defaultOS)
}

func ParseWithOS(flags Flags, osInterface OSInterface) (*Config, error) {
	config, err := ParseWithoutValidation(flags, osInterface)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(flags); err != nil {
		return nil, err
	}
	return config, nil
}
