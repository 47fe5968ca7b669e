// Package app builds the long-lived services of the crawler from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/api"
	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/source-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/source-crawler/internal/id/uuid"
	"github.com/JakeFAU/source-crawler/internal/ingest"
	dynamolock "github.com/JakeFAU/source-crawler/internal/lock/dynamodb"
	memorylock "github.com/JakeFAU/source-crawler/internal/lock/memory"
	redislock "github.com/JakeFAU/source-crawler/internal/lock/redis"
	"github.com/JakeFAU/source-crawler/internal/metrics"
	"github.com/JakeFAU/source-crawler/internal/notify"
	memorypub "github.com/JakeFAU/source-crawler/internal/notify/memory"
	pubsubpub "github.com/JakeFAU/source-crawler/internal/notify/pubsub"
	snspub "github.com/JakeFAU/source-crawler/internal/notify/sns"
	"github.com/JakeFAU/source-crawler/internal/parser"
	"github.com/JakeFAU/source-crawler/internal/policy/politeness"
	"github.com/JakeFAU/source-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/source-crawler/internal/retry"
	"github.com/JakeFAU/source-crawler/internal/runner"
	"github.com/JakeFAU/source-crawler/internal/scheduler"
	dynamostore "github.com/JakeFAU/source-crawler/internal/storage/dynamodb"
	memorystore "github.com/JakeFAU/source-crawler/internal/storage/memory"
	mongostore "github.com/JakeFAU/source-crawler/internal/storage/mongo"
	postgresstore "github.com/JakeFAU/source-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/source-crawler/internal/storage/sqlite"
)

// App holds the wired services. Fields are read-only after New returns.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     crawler.Clock
	OwnerID   string
	Store     crawler.Store
	Locks     crawler.LockManager
	Limiter   crawler.RateLimiter
	Publisher crawler.Publisher
	Hub       *notify.Hub
	Runner    *runner.Runner
	Scheduler *scheduler.Scheduler
	API       *api.Server

	dynamo  *awsdynamodb.DynamoDB
	redis   goredis.UniversalClient
	closers []func(context.Context) error
}

// Option overrides pieces of the container, mostly for tests.
type Option func(*App)

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// WithPublisher replaces the publisher chosen by notify.provider.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) { a.Publisher = p }
}

// WithRedis supplies a pre-built redis client.
func WithRedis(client goredis.UniversalClient) Option {
	return func(a *App) { a.redis = client }
}

// New builds every service named by cfg. On failure, anything already
// opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clock:   system.New(),
		OwnerID: uuid.OwnerID(),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	metrics.Init()
	logger.Info("initializing services",
		zap.String("owner_id", a.OwnerID),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("ratelimit", cfg.RateLimit.Backend),
		zap.String("notify", cfg.Notify.Provider),
		zap.Int("sources", len(cfg.Sources)))

	if a.Store, err = a.newStore(ctx); err != nil {
		return nil, err
	}
	if a.Locks, err = a.newLocks(); err != nil {
		return nil, err
	}
	if a.Limiter, err = a.newRateLimiter(); err != nil {
		return nil, err
	}
	if err := a.newNotifier(ctx); err != nil {
		return nil, err
	}

	policy := retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		Factor:       cfg.Retry.Factor,
	}, retry.WithLogger(logger))

	pacer := politeness.New(politeness.Config{PerHostRPS: cfg.Fetch.PerHostRPS, Burst: cfg.Fetch.PerHostBurst})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
	}, pacer, logger)
	registry := parser.NewRegistry(parser.Deps{Fetcher: fetcher, Retry: policy, Clock: a.Clock, Logger: logger})

	ingestClient, err := ingest.New(ingest.Config{
		BaseURL:   cfg.Backend.BaseURL,
		APIToken:  cfg.Backend.APIToken,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("ingest client: %w", err)
	}

	deps := runner.Deps{
		Locks:       a.Locks,
		Schedules:   a.Store,
		RateLimiter: a.Limiter,
		States:      a.Store,
		Documents:   a.Store,
		Parser:      registry,
		Ingest:      ingestClient,
		Retry:       policy,
		Clock:       a.Clock,
		Logger:      logger,
	}
	if a.Hub != nil {
		deps.Notifier = a.Hub
	}
	a.Runner, err = runner.New(cfg.Sources, runner.Config{Concurrency: cfg.Scheduler.Concurrency}, deps)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	a.Scheduler = scheduler.New(a.Runner, a.Store, a.Clock, cfg.TickInterval(), logger)
	a.API = api.NewServer(a.Runner, a.Store, api.Config{
		APIKey:         cfg.Admin.APIKey,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		RequestTimeout: cfg.RequestTimeout(),
		SyncRunNow:     cfg.Admin.SyncRunNow,
	}, logger)
	a.onClose(a.API.Shutdown)
	return a, nil
}

func (a *App) newStore(ctx context.Context) (crawler.Store, error) {
	cfg := a.Config.Storage
	var (
		store crawler.Store
		err   error
	)
	switch cfg.Provider {
	case "memory":
		store = memorystore.NewStore(a.Clock)
	case "dynamodb":
		client, cerr := a.dynamoClient()
		if cerr != nil {
			return nil, cerr
		}
		store, err = dynamostore.New(client, dynamostore.Tables{
			SourceState: cfg.DynamoDB.SourceStateTable,
			Documents:   cfg.DynamoDB.DocumentsTable,
			Schedule:    cfg.DynamoDB.ScheduleTable,
		}, a.Clock)
	case "postgres":
		store, err = postgresstore.New(ctx, postgresstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeSeconds) * time.Second,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		}, a.Clock)
	case "sqlite":
		store, err = sqlitestore.Open(cfg.SQLite.Path, a.Clock)
	case "mongo":
		store, err = mongostore.New(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database}, a.Clock)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s storage: %w", cfg.Provider, err)
	}
	a.onClose(func(context.Context) error { return store.Close() })
	return store, nil
}

func (a *App) newLocks() (crawler.LockManager, error) {
	lease := a.Config.LockLease()
	switch a.Config.Lock.Backend {
	case "none":
		return nil, nil
	case "memory":
		return memorylock.New(a.OwnerID, lease, a.Clock), nil
	case "redis":
		m, err := redislock.New(a.redisClient(), a.OwnerID, lease)
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		return m, nil
	case "dynamodb":
		client, err := a.dynamoClient()
		if err != nil {
			return nil, err
		}
		m, err := dynamolock.New(client, dynamolock.Config{
			Table:   a.Config.Lock.Table,
			OwnerID: a.OwnerID,
			Lease:   lease,
		}, a.Clock)
		if err != nil {
			return nil, fmt.Errorf("dynamodb lock: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", a.Config.Lock.Backend)
	}
}

func (a *App) newRateLimiter() (crawler.RateLimiter, error) {
	limit := int(a.Config.RateLimit.PerMinute)
	switch a.Config.RateLimit.Backend {
	case "noop":
		return ratelimit.NewNoop(), nil
	case "memory":
		return ratelimit.NewMemory(limit, a.Clock), nil
	case "redis":
		l, err := ratelimit.NewRedis(a.redisClient(), limit)
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", a.Config.RateLimit.Backend)
	}
}

func (a *App) newNotifier(ctx context.Context) error {
	cfg := a.Config.Notify
	if a.Publisher == nil {
		switch cfg.Provider {
		case "none":
			return nil
		case "log":
			a.Publisher = notify.NewLogPublisher(a.Logger)
		case "memory":
			a.Publisher = memorypub.New()
		case "sns":
			client, err := snspub.NewClient(snspub.Config{Region: a.Config.AWS.Region, Endpoint: a.Config.AWS.SNSEndpoint})
			if err != nil {
				return fmt.Errorf("sns client: %w", err)
			}
			a.Publisher = snspub.New(client)
		case "pubsub":
			client, err := pubsubpub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				return fmt.Errorf("pubsub client: %w", err)
			}
			pub := pubsubpub.New(client)
			a.onClose(func(context.Context) error { return pub.Close() })
			a.Publisher = pub
		default:
			return fmt.Errorf("unknown notify provider: %s", cfg.Provider)
		}
	}
	a.Hub = notify.NewHub(notify.Config{
		Topic:          cfg.Topic,
		BufferSize:     cfg.BufferSize,
		PublishTimeout: time.Duration(cfg.PublishTimeoutMs) * time.Millisecond,
		Logger:         a.Logger,
	}, a.Publisher)
	a.onClose(a.Hub.Close)
	return nil
}

func (a *App) dynamoClient() (*awsdynamodb.DynamoDB, error) {
	if a.dynamo != nil {
		return a.dynamo, nil
	}
	client, err := dynamostore.NewClient(dynamostore.ClientConfig{
		Region:   a.Config.AWS.Region,
		Endpoint: a.Config.AWS.DynamoDBEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb client: %w", err)
	}
	a.dynamo = client
	return client, nil
}

func (a *App) redisClient() goredis.UniversalClient {
	if a.redis != nil {
		return a.redis
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	a.redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	return client
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// EnsureTables creates the DynamoDB tables used by the configured store and
// lock. It is a no-op for other providers.
func (a *App) EnsureTables(ctx context.Context) error {
	if a.Config.Storage.Provider != "dynamodb" && a.Config.Lock.Backend != "dynamodb" {
		return nil
	}
	client, err := a.dynamoClient()
	if err != nil {
		return err
	}
	lockTable := ""
	if a.Config.Lock.Backend == "dynamodb" {
		lockTable = a.Config.Lock.Table
	}
	return dynamostore.EnsureTables(ctx, client, dynamostore.Tables{
		SourceState: a.Config.Storage.DynamoDB.SourceStateTable,
		Documents:   a.Config.Storage.DynamoDB.DocumentsTable,
		Schedule:    a.Config.Storage.DynamoDB.ScheduleTable,
	}, lockTable)
}

// Close shuts services down in reverse construction order so that the
// notification hub drains before its publisher and the store closes last.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
