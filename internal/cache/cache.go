package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// New creates a cache from configuration.
// "memory" returns an LRU; "redis" returns Redis, or an LRU in front of Redis
// when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads L1 (local LRU) before L2 (Redis) and writes both.
// L1 entries live at most l1TTL so other nodes' writes show up within it.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newLayered(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newLayered(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// localTTL caps an entry's L1 lifetime at the configured L1 TTL.
func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// GetLatestDecision checks L1, then L2, populating L1 on an L2 hit.
func (c *TwoPhaseCache) GetLatestDecision(ctx context.Context, tenantID string, accountID string) (*domain.DecisionRecord, error) {
	rec, err := c.local.GetLatestDecision(ctx, tenantID, accountID)
	if err != nil || rec != nil {
		return rec, err
	}

	rec, err = c.remote.GetLatestDecision(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		_ = c.local.SetLatestDecision(ctx, rec, c.l1TTL)
	}
	return rec, nil
}

// SetLatestDecision writes L1 and L2; each layer applies the sequence guard.
func (c *TwoPhaseCache) SetLatestDecision(ctx context.Context, rec *domain.DecisionRecord, ttl time.Duration) error {
	if err := c.local.SetLatestDecision(ctx, rec, c.localTTL(ttl)); err != nil {
		return err
	}
	return c.remote.SetLatestDecision(ctx, rec, ttl)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
