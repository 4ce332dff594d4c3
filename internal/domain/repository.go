package domain

import (
	"context"
	"time"
)

// Repository is the durable sink for decision records and the backing store
// for tenant configuration. All methods require tenantID for strict
// multi-tenancy isolation.
type Repository interface {
	// Decision records (append-only)
	SaveDecision(ctx context.Context, tenantID string, rec *DecisionRecord) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*DecisionRecord, error)
	ListDecisionsByAccount(ctx context.Context, tenantID string, accountID string, since time.Time, limit int) ([]*DecisionRecord, error)

	// Tenant configuration
	SaveTenantConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error
	GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error)
	ListTenantConfigs(ctx context.Context) ([]*TenantConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
