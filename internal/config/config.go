// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Backend   BackendConfig    `mapstructure:"backend"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Lock      LockConfig       `mapstructure:"lock"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Storage   StorageConfig    `mapstructure:"storage"`
	AWS       AWSConfig        `mapstructure:"aws"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Sources   []crawler.Source `mapstructure:"sources"`
}

// BackendConfig points at the downstream ingest API.
type BackendConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIToken string `mapstructure:"api_token"`
}

// SchedulerConfig governs fan-out and the periodic loop.
type SchedulerConfig struct {
	Concurrency           int  `mapstructure:"concurrency"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
	Enabled               bool `mapstructure:"enabled"`
	TickSeconds           int  `mapstructure:"tick_seconds"`
}

// RetryConfig mirrors retry.Config.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	Factor         float64 `mapstructure:"factor"`
}

// LockConfig selects the distributed lock backend.
type LockConfig struct {
	Backend      string `mapstructure:"backend"`
	Table        string `mapstructure:"table"`
	LeaseSeconds int    `mapstructure:"lease_seconds"`
}

// RateLimitConfig selects the admission limiter.
type RateLimitConfig struct {
	Backend   string `mapstructure:"backend"`
	PerMinute int64  `mapstructure:"per_minute"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Provider string         `mapstructure:"provider"`
	DynamoDB DynamoDBTables `mapstructure:"dynamodb"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

// DynamoDBTables names the DynamoDB tables.
type DynamoDBTables struct {
	SourceStateTable string `mapstructure:"source_state_table"`
	DocumentsTable   string `mapstructure:"documents_table"`
	ScheduleTable    string `mapstructure:"schedule_table"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MongoConfig holds the connection URI and database name.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// AWSConfig is shared by DynamoDB and SNS clients.
type AWSConfig struct {
	Region           string `mapstructure:"region"`
	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
	SNSEndpoint      string `mapstructure:"sns_endpoint"`
}

// RedisConfig configures the shared go-redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotifyConfig configures the new-document side channel.
type NotifyConfig struct {
	Provider         string `mapstructure:"provider"`
	Topic            string `mapstructure:"topic"`
	ProjectID        string `mapstructure:"project_id"`
	BufferSize       int    `mapstructure:"buffer_size"`
	PublishTimeoutMs int    `mapstructure:"publish_timeout_ms"`
}

// FetchConfig configures page retrieval.
type FetchConfig struct {
	UserAgent     string  `mapstructure:"user_agent"`
	RespectRobots bool    `mapstructure:"respect_robots"`
	PerHostRPS    float64 `mapstructure:"per_host_rps"`
	PerHostBurst  int     `mapstructure:"per_host_burst"`
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	SyncRunNow bool   `mapstructure:"sync_run_now"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/source-crawler/")
		v.AddConfigPath("$HOME/.source-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_token", "")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.request_timeout_seconds", 30)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 300)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.table", "crawler_locks")
	v.SetDefault("lock.lease_seconds", 0)
	v.SetDefault("ratelimit.backend", "noop")
	v.SetDefault("ratelimit.per_minute", 60)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.dynamodb.source_state_table", "crawler_source_state")
	v.SetDefault("storage.dynamodb.documents_table", "crawler_documents")
	v.SetDefault("storage.dynamodb.schedule_table", "crawler_source_schedule")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.auto_migrate", false)
	v.SetDefault("storage.sqlite.path", "./data/crawler.db")
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", "crawler")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.dynamodb_endpoint", "")
	v.SetDefault("aws.sns_endpoint", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.publish_timeout_ms", 5000)
	v.SetDefault("fetch.user_agent", "source-crawler/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.per_host_rps", 0.0)
	v.SetDefault("fetch.per_host_burst", 1)
	v.SetDefault("admin.port", 8080)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.sync_run_now", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL")
	}
	if c.Backend.APIToken == "" {
		return fmt.Errorf("backend.api_token is required")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.request_timeout_seconds must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.InitialDelayMs < 0 {
		return fmt.Errorf("retry.initial_delay_ms must be >= 0")
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1")
	}
	if err := oneOf("lock.backend", c.Lock.Backend, "dynamodb", "redis", "memory", "none"); err != nil {
		return err
	}
	if c.Lock.Backend == "dynamodb" && c.Lock.Table == "" {
		return fmt.Errorf("lock.table is required for the dynamodb lock backend")
	}
	if err := oneOf("ratelimit.backend", c.RateLimit.Backend, "redis", "memory", "noop"); err != nil {
		return err
	}
	if c.RateLimit.Backend != "noop" && c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("ratelimit.per_minute must be > 0")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := oneOf("notify.provider", c.Notify.Provider, "none", "log", "memory", "sns", "pubsub"); err != nil {
		return err
	}
	if (c.Notify.Provider == "sns" || c.Notify.Provider == "pubsub") && c.Notify.Topic == "" {
		return fmt.Errorf("notify.topic is required for provider %s", c.Notify.Provider)
	}
	if c.Notify.Provider == "pubsub" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id is required for provider pubsub")
	}
	if c.Notify.BufferSize <= 0 {
		return fmt.Errorf("notify.buffer_size must be > 0")
	}
	if c.Fetch.PerHostRPS < 0 {
		return fmt.Errorf("fetch.per_host_rps must be >= 0")
	}
	if c.Admin.Port <= 0 {
		return fmt.Errorf("admin.port must be > 0")
	}
	return validateSources(c.Sources)
}

func (s StorageConfig) validate() error {
	switch s.Provider {
	case "memory":
	case "dynamodb":
		if s.DynamoDB.SourceStateTable == "" || s.DynamoDB.DocumentsTable == "" || s.DynamoDB.ScheduleTable == "" {
			return fmt.Errorf("storage.dynamodb tables must be set")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "mongo":
		if s.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, dynamodb, postgres, sqlite, mongo")
	}
	return nil
}

func validateSources(sources []crawler.Source) error {
	seen := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, src.ID)
		}
		seen[src.ID] = struct{}{}
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if u, err := url.Parse(src.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("sources[%d].base_url must be an absolute URL", i)
		}
		if src.CrawlIntervalMinutes <= 0 {
			return fmt.Errorf("sources[%d].crawl_interval_minutes must be > 0", i)
		}
		switch strings.ToUpper(src.ParserType) {
		case "", crawler.ParserTypeBasic, crawler.ParserTypeRSS, crawler.ParserTypeArticle:
		default:
			return fmt.Errorf("sources[%d].parser_type %q is not supported", i, src.ParserType)
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
}

// RequestTimeout is the per-request budget for fetches and ingest calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scheduler.RequestTimeoutSeconds) * time.Second
}

// TickInterval is the periodic scheduler cadence.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// LockLease returns the configured lease, or zero to use the backend default.
func (c Config) LockLease() time.Duration {
	return time.Duration(c.Lock.LeaseSeconds) * time.Second
}

// SourceByID finds a configured source.
func (c Config) SourceByID(id string) (crawler.Source, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return crawler.Source{}, false
}
