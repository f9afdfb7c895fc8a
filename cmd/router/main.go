// Command router is the single binary backing every §5 service type:
// run with no flags (or SERVICE=""/--service="") to run the ingest
// server, delivery consumer, and retry scheduler together in one
// process, or with --service=api|worker|scheduler to run just one,
// scaling each independently. Grounded on the teacher's cmd/app/main.go
// dispatch-by-service-name shape, generalized from its errgroup-based
// fan-out to this module's workerpool.WorkerSupervisor so that one
// worker's fatal error doesn't drag down its siblings mid-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/consumer"
	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/delivery"
	"github.com/hookrelay/hookrelay/internal/healthz"
	"github.com/hookrelay/hookrelay/internal/idempotence"
	"github.com/hookrelay/hookrelay/internal/ingest"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/queue/memqueue"
	"github.com/hookrelay/hookrelay/internal/queue/redisqueue"
	hrredis "github.com/hookrelay/hookrelay/internal/redis"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store/pgstore"
	"github.com/hookrelay/hookrelay/internal/store/rediscache"
	"github.com/hookrelay/hookrelay/internal/subscache"
	"github.com/hookrelay/hookrelay/internal/transport"
	"github.com/hookrelay/hookrelay/internal/transport/amqp"
	"github.com/hookrelay/hookrelay/internal/transport/logstream"
	"github.com/hookrelay/hookrelay/internal/transport/pubsub"
	"github.com/hookrelay/hookrelay/internal/transport/servicebus"
	"github.com/hookrelay/hookrelay/internal/transport/sqs"
	"github.com/hookrelay/hookrelay/internal/transport/webhook"
	"github.com/hookrelay/hookrelay/internal/workerpool"
)

func main() {
	flags := parseFlags(os.Args[1:])

	cfg, err := config.Parse(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.WithLogLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %s\n", err)
		os.Exit(1)
	}
	defer logger.Zap().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("router exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func parseFlags(args []string) config.Flags {
	var flags config.Flags
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	fs.StringVar(&flags.Service, "service", "", "api, worker, scheduler, or empty to run all three")
	fs.StringVar(&flags.Config, "config", "", "path to a YAML or .env config file")
	fs.Parse(args)
	return flags
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	serviceType := cfg.MustGetService()
	logger.Info("starting router", zap.String("service", serviceType.String()))

	pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	eventStore := pgstore.New(pool)
	defer eventStore.Close()

	cacheRedis, err := dialRedis(ctx, cfg.Store.RedisURL)
	if err != nil {
		return fmt.Errorf("connect store redis: %w", err)
	}
	versions := rediscache.NewVersionCounter(cacheRedis)
	cache := subscache.New(eventStore, versions)

	idem := idempotence.New(cacheRedis,
		idempotence.WithTimeout(5*time.Second),
		idempotence.WithSuccessfulTTL(time.Hour),
	)

	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}
	defer q.Close(ctx)

	registry, err := buildTransportRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("build transport registry: %w", err)
	}
	defer registry.Close()

	cipher := crypto.NewHeaderCipher(cfg.Store.MasterEncryptionSecret)
	policy := buildPolicy(cfg)
	engine := delivery.New(eventStore, cache, registry, q, cipher, idem, policy, logger)

	supervisor := workerpool.NewWorkerSupervisor(logger)

	if serviceType == config.ServiceTypeAPI || serviceType == config.ServiceTypeSingular {
		router := gin.New()
		router.Use(gin.Recovery())
		router.SetTrustedProxies(nil)

		healthChecker := healthz.New(eventStore, cache, q, supervisor,
			cfg.Monitoring.QueueDepthThreshold, cfg.Monitoring.FailureRateThreshold)
		healthChecker.Register(router)

		ingestHandler := ingest.NewHandler(ingest.Config{
			WebhookSecret:      cfg.Ingest.WebhookSecret,
			IPAllowlist:        cfg.Security.IPAllowlist,
			RateLimitEnabled:   cfg.Security.RateLimitingEnabled,
			RequestsPerMinute:  cfg.Security.RequestsPerMinute,
			PayloadSizeLimitMB: cfg.Security.PayloadSizeLimitMB,
		}, eventStore, engine, cipher, logger)
		ingestHandler.Register(router)

		server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
		supervisor.Register(workerpool.NewHTTPServerWorker("ingest-server", server, logger, 10*time.Second))
	}

	if serviceType == config.ServiceTypeWorker || serviceType == config.ServiceTypeSingular {
		c := consumer.New(q, engine,
			consumer.WithName("delivery-consumer"),
			consumer.WithConcurrency(cfg.Processing.BatchSize),
			consumer.WithBatchSize(cfg.Processing.BatchSize),
			consumer.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
			consumer.WithPollInterval(time.Duration(cfg.Processing.ProcessingIntervalMS)*time.Millisecond),
			consumer.WithLogger(logger),
		)
		supervisor.Register(&runnable{name: "delivery-consumer", run: c.Run})
	}

	if serviceType == config.ServiceTypeScheduler || serviceType == config.ServiceTypeSingular {
		scheduler := retry.NewScheduler(eventStore, q, logger,
			retry.WithPollInterval(time.Duration(cfg.Processing.ProcessingIntervalMS)*time.Millisecond),
			retry.WithBatchSize(cfg.Processing.BatchSize),
			retry.WithLeaseTimeout(cfg.Queue.VisibilityTimeout),
		)
		supervisor.Register(&runnable{name: "retry-scheduler", run: scheduler.Run})
	}

	return supervisor.Run(ctx)
}

// runnable adapts a bare Run(ctx) error loop — consumer.Consumer or
// retry.Scheduler — into a workerpool.Worker, named for supervisor
// registration and health reporting. Generalizes the teacher's
// per-queue-type worker wrappers (RetryMQWorker, ConsumerWorker) into
// one adapter, since this router has exactly two such loops rather
// than one per message-queue implementation.
type runnable struct {
	name string
	run  func(ctx context.Context) error
}

func (r *runnable) Name() string                  { return r.name }
func (r *runnable) Run(ctx context.Context) error { return r.run(ctx) }

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Kind {
	case "redis":
		client, err := dialRedis(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisqueue.New(client, redisqueue.WithMaxAttempts(cfg.Queue.MaxAttempts)), nil
	default:
		return memqueue.New(memqueue.WithMaxAttempts(cfg.Queue.MaxAttempts)), nil
	}
}

func buildPolicy(cfg *config.Config) delivery.Policy {
	policy := delivery.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.DeadLetterThreshold, cfg.Retry.Backoff())
	if codes := cfg.Retry.RetryableCodes(); codes != nil {
		policy.RetryableCodes = codes
	}
	return policy
}

// buildTransportRegistry constructs and registers all six transport
// providers up front, one instance per kind shared across every
// delivery for the life of the process, per the spec's "one client per
// unique endpoint per process" note.
func buildTransportRegistry(cfg *config.Config, logger *logging.Logger) (*transport.Registry, error) {
	registry := transport.NewRegistry()

	webhookTimeout := cfg.Delivery.Timeout(string(models.TransportHTTPWebhook), 10*time.Second)
	registry.Register(webhook.New(webhookTimeout))
	registry.Register(amqp.New())
	registry.Register(sqs.New())
	registry.Register(servicebus.New())
	registry.Register(logstream.New(logger.Zap()))
	registry.Register(pubsub.New(loadPubSubCredentials()))

	return registry, nil
}

// loadPubSubCredentials reads the service-account JSON the pubsub
// provider authenticates with. Unlike every other transport, pubsub
// needs one process-wide credential rather than per-delivery config,
// so it is read directly from the environment following standard GCP
// ADC convention instead of being added to the layered config schema.
// A nil return lets the client fall back to application-default
// credentials.
func loadPubSubCredentials() []byte {
	if raw := os.Getenv("PUBSUB_CREDENTIALS_JSON"); raw != "" {
		return []byte(raw)
	}
	if path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	return nil
}

// dialRedis opens a connection dedicated to its caller rather than
// drawing on internal/redis's process-wide singleton, since the store
// and queue configs may each name a different Redis instance.
func dialRedis(ctx context.Context, rawURL string) (goredis.Cmdable, error) {
	cfg, err := parseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	return hrredis.NewClient(ctx, cfg)
}

func parseRedisURL(rawURL string) (*hrredis.RedisConfig, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	host := u.Hostname()
	port := 6379
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse redis url port: %w", err)
		}
	}

	password := ""
	username := ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	database := 0
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		database, err = strconv.Atoi(path)
		if err != nil {
			return nil, fmt.Errorf("parse redis url database: %w", err)
		}
	}

	return &hrredis.RedisConfig{
		Host:       host,
		Port:       port,
		Username:   username,
		Password:   password,
		Database:   database,
		TLSEnabled: u.Scheme == "rediss",
	}, nil
}
