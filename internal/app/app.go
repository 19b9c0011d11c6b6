// Package app assembles fern's components from configuration. Every
// command builds an App with the parts it needs and starts it through the
// startup dependency graph.
package app

import (
	"context"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/store/sqlstore"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Version is stamped at build time.
var Version = "dev"

const (
	depTracing    = "tracing"
	depDatabase   = "database"
	depMigrations = "migrations"
	depRedis      = "redis"
	depKafka      = "kafka"
	depPipeline   = "pipeline"
)

type options struct {
	redis    bool
	pipeline bool
	migrate  bool
	queue    func(a *App) pipeline.Queue
}

type Option func(*options)

// WithoutRedis runs without Redis: no stream queue, DLQ or shared rate
// limits. A pipeline then takes WithQueueFunc's queue, or gets an in-memory queue.
func WithoutRedis() Option {
	return func(o *options) {
		o.redis = false
	}
}

// WithoutPipeline skips building sources and the orchestrator.
func WithoutPipeline() Option {
	return func(o *options) {
		o.pipeline = false
	}
}

// WithoutMigrations skips applying migrations on start.
func WithoutMigrations() Option {
	return func(o *options) {
		o.migrate = false
	}
}

// WithQueueFunc sets the queue the orchestrator enqueues to. fn runs when
// the pipeline is built.
func WithQueueFunc(fn func(a *App) pipeline.Queue) Option {
	return func(o *options) {
		o.queue = fn
	}
}

type App struct {
	Config *config.Config
	Logger ectologger.Logger

	DB       database.DB
	Redis    *redis.Client
	Events   *kafka.Producer
	Sources  *sources.Registry
	Triggers *scheduler.Repository

	Streams      *redis.Streams
	DLQ          *redis.DeadLetterQueue
	Queue        pipeline.Queue
	RedisQueue   *queue.RedisQueue
	Orchestrator *pipeline.Orchestrator
	Health       *health.Checker

	opts     options
	startup  *startup.Startup
	shutdown tracing.ShutdownFunc
}

func New(cfg *config.Config, logger ectologger.Logger, opts ...Option) *App {
	o := options{redis: true, pipeline: true, migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		opts:    o,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:      depTracing,
		StartFunc: a.startTracing,
		StopFunc: func(ctx context.Context) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(ctx)
		},
	})
	a.startup.AddDependency(&startup.Dependency{
		Name:      depDatabase,
		StartFunc: a.connectDatabase,
		StopFunc: func(context.Context) error {
			if a.DB == nil {
				return nil
			}
			return a.DB.Close()
		},
	})
	if o.migrate {
		a.startup.AddDependency(&startup.Dependency{
			Name:      depMigrations,
			Requires:  []string{depDatabase},
			StartFunc: a.Migrate,
		})
	}

	pipelineDeps := []string{depDatabase}
	if o.redis {
		a.startup.AddDependency(&startup.Dependency{
			Name:      depRedis,
			StartFunc: a.connectRedis,
			StopFunc: func(context.Context) error {
				if a.Redis == nil {
					return nil
				}
				return a.Redis.Close()
			},
		})
		pipelineDeps = append(pipelineDeps, depRedis)
	}
	if cfg.KafkaBrokers != "" {
		a.startup.AddDependency(&startup.Dependency{
			Name:      depKafka,
			StartFunc: a.connectKafka,
			StopFunc: func(context.Context) error {
				if a.Events == nil {
					return nil
				}
				return a.Events.Close()
			},
		})
		pipelineDeps = append(pipelineDeps, depKafka)
	}
	if o.migrate {
		pipelineDeps = append(pipelineDeps, depMigrations)
	}
	if o.pipeline {
		a.startup.AddDependency(&startup.Dependency{
			Name:      depPipeline,
			Requires:  pipelineDeps,
			StartFunc: a.buildPipeline,
		})
	}
	return a
}

// Start brings up every dependency, retrying the graph on failure.
func (a *App) Start(ctx context.Context) error {
	if err := a.startup.Start(ctx); err != nil {
		return err
	}

	a.Health = health.NewChecker(a.DB, a.redisClient(), Version)
	if a.Events != nil {
		a.Health.AddCheck(depKafka, false, a.Events.Ping)
	}
	return nil
}

// Stop tears dependencies down in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	return a.startup.Stop(ctx)
}

func (a *App) startTracing(ctx context.Context) error {
	endpoint := ""
	if a.Config.OTLPEnabled {
		endpoint = a.Config.OTLPEndpoint
	}
	shutdown, err := tracing.Setup(ctx, a.Config.AppName, tracing.OTLPConfig{
		Endpoint:    endpoint,
		Protocol:    a.Config.OTLPProtocol,
		Insecure:    a.Config.OTLPInsecure,
		SampleRatio: a.Config.OTLPSampleRatio,
	})
	if err != nil {
		return errors.Wrap(err, "failed to set up tracing")
	}
	a.shutdown = shutdown
	return nil
}

func (a *App) connectDatabase(ctx context.Context) error {
	if a.DB != nil {
		return nil
	}
	db, err := database.Connect(ctx, database.ConnConfig{
		Driver:          a.Config.DatabaseDriver,
		Host:            a.Config.DatabaseHost,
		Port:            a.Config.DatabasePort,
		User:            a.Config.DatabaseUserName,
		Password:        a.Config.DatabasePassword,
		Name:            a.Config.DatabaseName,
		SSLMode:         a.Config.DatabaseSSLMode,
		Path:            a.Config.DatabasePath,
		MaxOpenConns:    a.Config.DatabaseMaxOpenConns,
		MaxIdleConns:    a.Config.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.Config.DatabaseConnMaxLifetime,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.DB = db
	return nil
}

// Migrate applies the schema migrations to the connected database.
func (a *App) Migrate(ctx context.Context) error {
	ms := database.NewMigrationService(a.Logger, &database.MigrationConfig{
		FS:                  migrations.FS,
		MigrationFolderPath: a.Config.DatabaseMigrationFolderPath,
		Version:             uint(a.Config.DatabaseMigrationVersion),
		Force:               a.Config.DatabaseMigrationForce,
		AutoRollback:        a.Config.DatabaseMigrationAutoRollback,
	})
	return ms.Migrate(ctx, a.DB)
}

func (a *App) connectRedis(ctx context.Context) error {
	if a.Redis != nil {
		return nil
	}
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.Config.RedisHost,
		Port:     a.Config.RedisPort,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Redis = client
	return nil
}

func (a *App) connectKafka(ctx context.Context) error {
	if a.Events != nil {
		return nil
	}
	producer, err := kafka.NewProducer(
		kafka.DefaultProducerConfig(kafka.ParseBrokers(a.Config.KafkaBrokers), a.Config.KafkaEventsTopic),
		a.Logger,
	)
	if err != nil {
		return err
	}
	a.Events = producer
	a.Logger.WithContext(ctx).Infof("Publishing sync events to %s", a.Config.KafkaEventsTopic)
	return nil
}

func (a *App) redisClient() *goredis.Client {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Redis()
}

func (a *App) buildPipeline(ctx context.Context) error {
	file, err := sources.LoadFile(a.Config.SourcesFile)
	if err != nil {
		return err
	}

	deps := sources.Deps{
		HTTPClient: httpclient.NewClient(httpclient.Config{
			Timeout:         a.Config.HttpClientTimeout,
			UserAgent:       a.Config.HttpClientUserAgent,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		}, a.Logger),
		Store:     sqlstore.New(a.DB, a.Logger),
		Evaluator: expressions.NewEvaluator(),
		Logger:    a.Logger,
	}
	if a.Redis != nil {
		deps.Throttle = ratelimit.NewManager(a.Redis, file.Limits(), 0, a.Logger)
	}

	registry, err := sources.NewRegistry(file, nil, deps)
	if err != nil {
		return err
	}
	a.Sources = registry
	a.Triggers = scheduler.NewRepository(a.DB, a.Logger)

	switch {
	case a.opts.queue != nil:
		a.Queue = a.opts.queue(a)
	case a.Redis != nil:
		a.Streams = redis.NewStreams(a.Redis)
		a.DLQ = redis.NewDeadLetterQueue(a.Redis, "", a.Logger)
		a.RedisQueue = queue.NewRedisQueue(
			a.Streams,
			redis.NewDelayedSet(a.Redis, ""),
			a.Config.RedisStreamsJobQueue,
			a.Logger,
		)
		a.Queue = a.RedisQueue
	default:
		a.Queue = pipeline.NewMemoryQueue(a.Logger)
	}

	policy := pipeline.DefaultRetryPolicy()
	policy.MaxRetries = a.Config.PageMaxRetries
	policy.InitialInterval = a.Config.PageRetryBaseDelay
	policy.MaxInterval = a.Config.PageRetryMaxDelay

	orchOpts := []pipeline.Option{
		pipeline.WithRetryPolicy(policy),
		pipeline.WithTriggerStore(a.Triggers),
	}
	if a.Events != nil {
		orchOpts = append(orchOpts, pipeline.WithEvents(a.Events))
	}
	a.Orchestrator = pipeline.NewOrchestrator(registry, a.Queue, a.Logger, orchOpts...)

	a.Logger.WithContext(ctx).Infof("Loaded %d sources from %s", len(registry.Names()), a.Config.SourcesFile)
	return nil
}

// NewProcessor builds the stream worker pool over the app's Redis queue.
func (a *App) NewProcessor() (*queue.Processor, error) {
	if a.RedisQueue == nil {
		return nil, errors.New("workers need the redis queue")
	}

	consumer := a.Config.RedisStreamsConsumerName
	if consumer == "" {
		consumer, _ = os.Hostname()
	}

	cfg := queue.DefaultProcessorConfig()
	cfg.Stream = a.Config.RedisStreamsJobQueue
	cfg.ConsumerGroup = a.Config.RedisStreamsConsumerGroup
	cfg.ConsumerName = consumer
	cfg.WorkerCount = a.Config.WorkerCount
	cfg.ClaimMinIdle = a.Config.WorkerClaimMinIdle
	cfg.MaxDeliveries = a.Config.WorkerMaxDeliveries

	return queue.NewProcessor(a.Streams, a.DLQ, a.RedisQueue, a.Orchestrator, cfg, a.Logger), nil
}

// NewScheduler builds the periodic trigger poller.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	if a.Redis == nil || a.Triggers == nil {
		return nil, errors.New("the scheduler needs redis and the pipeline")
	}

	cfg := scheduler.DefaultConfig()
	cfg.PollInterval = a.Config.SchedulerPollInterval
	return scheduler.New(a.Triggers, a.Queue, redis.NewLocker(a.Redis, ""), cfg, a.Logger), nil
}
