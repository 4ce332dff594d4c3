package domain

import (
	"fmt"
	"time"
)

// Config holds the complete TrialGuard process configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier selects infrastructure defaults
	Tier Tier `json:"tier" yaml:"tier"`

	// Engine settings
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Sweeper schedules inactive-account eviction
	Sweeper SweeperConfig `json:"sweeper" yaml:"sweeper"`

	// Tenants seeds tenant configs that have not been persisted yet.
	Tenants []TenantConfig `json:"tenants,omitempty" yaml:"tenants"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds

	// AsyncIngest hands ingested events to the bus worker instead of
	// evaluating them inside the request.
	AsyncIngest bool `json:"asyncIngest" yaml:"async_ingest"`
}

// EngineConfig bounds the decision engine.
type EngineConfig struct {
	// MaxAccounts caps tracked accounts across all tenants. 0 means unlimited.
	MaxAccounts int `json:"maxAccounts" yaml:"max_accounts"`

	// BatchWorkers is the number of accounts evaluated concurrently by EvaluateBatch.
	BatchWorkers int `json:"batchWorkers" yaml:"batch_workers"`

	// FeedCapacity is the number of decision records retained in memory.
	FeedCapacity int `json:"feedCapacity" yaml:"feed_capacity"`

	// SubscriberBuffer is the per-subscriber channel size of the feed.
	SubscriberBuffer int `json:"subscriberBuffer" yaml:"subscriber_buffer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // otlp
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// SweeperConfig holds the eviction schedule in robfig/cron syntax.
type SweeperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			MaxAccounts:      100000,
			BatchWorkers:     8,
			FeedCapacity:     10000,
			SubscriberBuffer: 256,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./trialguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			DecisionTTL:  30 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "trialguard",
			ExporterType: "otlp",
			Endpoint:     "localhost:4317",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
	}
}

// ProConfig returns a multi-node configuration.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "trialguard",
		PostgresUser: "trialguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		DecisionTTL:    30 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "trialguard",
	}
	cfg.Server.AsyncIngest = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the process configuration. Tenant seeds are validated by the config store.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.BatchWorkers <= 0 {
		return fmt.Errorf("engine.batch_workers must be positive")
	}
	if c.Engine.FeedCapacity <= 0 {
		return fmt.Errorf("engine.feed_capacity must be positive")
	}
	if c.Engine.MaxAccounts < 0 {
		return fmt.Errorf("engine.max_accounts must not be negative")
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("unsupported repository driver: %q", c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %q", c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats", "none":
	default:
		return fmt.Errorf("unsupported event bus type: %q", c.EventBus.Type)
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return fmt.Errorf("sweeper.schedule is required when the sweeper is enabled")
	}
	return nil
}
