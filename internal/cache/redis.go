package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// KeyPrefix namespaces every Redis key.
const KeyPrefix = "trialguard:"

// setDecisionScript stores a decision hash unless the cached sequence is higher.
// KEYS[1] key, ARGV[1] sequence, ARGV[2] record JSON, ARGV[3] ttl ms (0 keeps the key persistent).
var setDecisionScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'seq')
	if cur and tonumber(cur) > tonumber(ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
	local ttl = tonumber(ARGV[3])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	else
		redis.call('PERSIST', KEYS[1])
	end
	return 1
`)

// RedisCache keeps each account's latest decision in a Redis hash
// {seq, data}. It is the shared cache across nodes and L2 of TwoPhaseCache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// GetLatestDecision reads the account's decision hash. A miss returns nil, nil.
func (c *RedisCache) GetLatestDecision(ctx context.Context, tenantID string, accountID string) (*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	data, err := c.client.HGet(ctx, decisionKey(tenantID, accountID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec domain.DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cached decision: %w", err)
	}
	return &rec, nil
}

// SetLatestDecision runs the sequence-guarded write atomically on the server.
func (c *RedisCache) SetLatestDecision(ctx context.Context, rec *domain.DecisionRecord, ttl time.Duration) error {
	if rec == nil {
		return errNoDecision
	}
	if rec.TenantID == "" {
		return errNoTenant
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	key := decisionKey(rec.TenantID, rec.AccountID)
	return setDecisionScript.Run(ctx, c.client, []string{key}, rec.Sequence, data, ttl.Milliseconds()).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// decisionKey is trialguard:<tenant>:decision:<account>.
func decisionKey(tenantID, accountID string) string {
	return KeyPrefix + tenantID + ":decision:" + accountID
}
