// Package tenantcfg holds the active scoring configuration of every tenant.
// Reads are lock-free; a replace validates, compiles and swaps a new map.
package tenantcfg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/rules"
)

// Snapshot is an immutable tenant configuration plus its compiled reason rules.
// Callers must not modify it.
type Snapshot struct {
	Config *domain.TenantConfig
	Rules  *rules.RuleSet
}

// Persister stores tenant configs durably. The repository satisfies it.
type Persister interface {
	SaveTenantConfig(ctx context.Context, tenantID string, cfg *domain.TenantConfig) error
	ListTenantConfigs(ctx context.Context) ([]*domain.TenantConfig, error)
}

// Store is the tenant config store.
type Store struct {
	snapshots atomic.Pointer[map[string]*Snapshot]

	// writeMu serializes writers; readers never take it.
	writeMu   sync.Mutex
	rules     *rules.Engine
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes Replace write through to p before swapping.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(engine *rules.Engine, opts ...Option) *Store {
	s := &Store{
		rules:  engine,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	empty := make(map[string]*Snapshot)
	s.snapshots.Store(&empty)
	return s
}

// Get returns the active snapshot for tenantID. Repeated calls return the same
// pointer until the next Replace for that tenant.
func (s *Store) Get(tenantID string) (*Snapshot, error) {
	snap, ok := (*s.snapshots.Load())[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTenant, tenantID)
	}
	return snap, nil
}

// Tenants returns the configured tenant ids, sorted.
func (s *Store) Tenants() []string {
	m := *s.snapshots.Load()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Replace validates cfg and makes it the tenant's active configuration. On
// failure the previous configuration stays active and the error wraps
// ErrInvalidConfig (or the persister's error).
func (s *Store) Replace(ctx context.Context, tenantID string, cfg *domain.TenantConfig) (*Snapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", domain.ErrInvalidConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidConfig)
	}

	next := cfg.Clone()
	next.TenantID = tenantID
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	compiled, err := s.rules.Compile(next.ReasonRules)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.snapshots.Load()
	var prevVersion int64
	if prev, ok := cur[tenantID]; ok {
		prevVersion = prev.Config.Version
	}
	next.Version = prevVersion + 1
	next.UpdatedAt = s.now().UTC()

	if s.persister != nil {
		if err := s.persister.SaveTenantConfig(ctx, tenantID, next); err != nil {
			return nil, fmt.Errorf("failed to persist tenant config: %w", err)
		}
	}

	snap := &Snapshot{Config: next, Rules: compiled}
	s.swap(cur, tenantID, snap)

	s.logger.Info("tenant config replaced",
		"tenant_id", tenantID,
		"version", next.Version,
		"reason_rules", compiled.Len(),
	)
	return snap, nil
}

func (s *Store) swap(cur map[string]*Snapshot, tenantID string, snap *Snapshot) {
	m := make(map[string]*Snapshot, len(cur)+1)
	for k, v := range cur {
		m[k] = v
	}
	m[tenantID] = snap
	s.snapshots.Store(&m)
}

// Load installs every persisted config, keeping its stored version.
// Invalid stored configs are skipped and logged.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	cfgs, err := s.persister.ListTenantConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenant configs: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	loaded := 0
	for _, c := range cfgs {
		next := c.Clone()
		next.ApplyDefaults()
		if err := next.Validate(); err != nil {
			s.logger.Warn("skipping stored tenant config", "tenant_id", c.TenantID, "error", err)
			continue
		}
		compiled, err := s.rules.Compile(next.ReasonRules)
		if err != nil {
			s.logger.Warn("skipping stored tenant config", "tenant_id", c.TenantID, "error", err)
			continue
		}
		s.swap(*s.snapshots.Load(), next.TenantID, &Snapshot{Config: next, Rules: compiled})
		loaded++
	}
	return loaded, nil
}

// Seed installs cfg only when the tenant has no configuration yet.
func (s *Store) Seed(ctx context.Context, cfg *domain.TenantConfig) (bool, error) {
	if _, err := s.Get(cfg.TenantID); err == nil {
		return false, nil
	}
	if _, err := s.Replace(ctx, cfg.TenantID, cfg); err != nil {
		return false, err
	}
	return true, nil
}
