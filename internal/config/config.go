// Package config loads the process configuration from YAML and TRIALGUARD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRIALGUARD_"

// Load reads path (a missing file is not an error), applies environment
// overrides, fills defaults and validates. The tier, from TRIALGUARD_TIER or
// the file, picks DefaultConfig or ProConfig as the base.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var probe struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv(EnvPrefix + "TIER"); v != "" {
		probe.Tier = domain.Tier(v)
	}

	cfg := domain.DefaultConfig()
	if probe.Tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if probe.Tier != "" {
		cfg.Tier = probe.Tier
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	flag := func(name string, dst *bool) error {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
		return nil
	}

	str("HOST", &cfg.Server.Host)
	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSL_MODE", &cfg.Repository.PostgresSSLMode)
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	str("SWEEP_SCHEDULE", &cfg.Sweeper.Schedule)

	for name, dst := range map[string]*int{
		"PORT":          &cfg.Server.Port,
		"POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"REDIS_DB":      &cfg.Cache.RedisDB,
		"MAX_ACCOUNTS":  &cfg.Engine.MaxAccounts,
		"BATCH_WORKERS": &cfg.Engine.BatchWorkers,
		"FEED_CAPACITY": &cfg.Engine.FeedCapacity,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	for name, dst := range map[string]*bool{
		"TRACING_ENABLED": &cfg.Tracing.Enabled,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
		"SWEEPER_ENABLED": &cfg.Sweeper.Enabled,
		"TWO_PHASE_CACHE": &cfg.Cache.EnableTwoPhase,
		"ASYNC_INGEST":    &cfg.Server.AsyncIngest,
	} {
		if err := flag(name, dst); err != nil {
			return err
		}
	}

	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// applyDefaults fills fields a partial file may have zeroed.
func applyDefaults(cfg *domain.Config) {
	d := domain.DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Engine.BatchWorkers == 0 {
		cfg.Engine.BatchWorkers = d.Engine.BatchWorkers
	}
	if cfg.Engine.FeedCapacity == 0 {
		cfg.Engine.FeedCapacity = d.Engine.FeedCapacity
	}
	if cfg.Engine.SubscriberBuffer == 0 {
		cfg.Engine.SubscriberBuffer = d.Engine.SubscriberBuffer
	}
	if cfg.Cache.DecisionTTL == 0 {
		cfg.Cache.DecisionTTL = d.Cache.DecisionTTL
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = d.Metrics.Path
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = d.Tracing.ServiceName
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
}
