package domain

import (
	"context"
	"time"
)

// Cache holds the most recent decision per account, so the account view
// survives engine eviction and is shared between nodes. All methods are
// tenant-scoped.
type Cache interface {
	// GetLatestDecision returns the most recent decision cached for an account.
	// Returns nil, nil on a miss.
	GetLatestDecision(ctx context.Context, tenantID string, accountID string) (*DecisionRecord, error)

	// SetLatestDecision caches rec as the account's most recent decision.
	// A record older (by sequence) than the cached one does not replace it.
	// A non-positive ttl never expires.
	SetLatestDecision(ctx context.Context, rec *DecisionRecord, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	// Redis settings
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enable_two_phase"` // If true, check local first, then Redis

	// DecisionTTL is how long a latest-decision entry lives.
	DecisionTTL time.Duration `yaml:"decision_ttl"`
}
