// Package cache holds the latest-decision cache: an in-process LRU, Redis,
// or both layered as L1 and L2.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

var (
	errNoTenant   = errors.New("tenantID is required")
	errNoDecision = errors.New("decision is required")
)

// LRUCache keeps the latest decision of up to maxSize accounts, evicting the
// least recently touched. Records are shared, not copied; they are immutable
// once emitted.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[domain.Key]*list.Element
	order   *list.List
	now     func() time.Time
}

type entry struct {
	key       domain.Key
	rec       *domain.DecisionRecord
	expiresAt time.Time // zero never expires
}

// NewLRUCache creates an LRU holding at most maxSize accounts (10000 when <= 0).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[domain.Key]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// GetLatestDecision returns the cached decision for an account, or nil on a miss.
func (c *LRUCache) GetLatestDecision(ctx context.Context, tenantID string, accountID string) (*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(domain.Key{TenantID: tenantID, AccountID: accountID})
	if e == nil {
		return nil, nil
	}
	return e.rec, nil
}

// SetLatestDecision caches rec unless a record with a higher sequence is already cached.
func (c *LRUCache) SetLatestDecision(ctx context.Context, rec *domain.DecisionRecord, ttl time.Duration) error {
	if rec == nil {
		return errNoDecision
	}
	if rec.TenantID == "" {
		return errNoTenant
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := rec.Key()
	if cur := c.lookup(key); cur != nil && cur.rec.Sequence > rec.Sequence {
		return nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.rec, e.expiresAt = rec, expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry{key: key, rec: rec, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[domain.Key]*list.Element)
	c.order.Init()
	return nil
}

// Stats returns the number of cached accounts and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

// lookup returns the live entry for key and marks it recently used.
// Caller holds c.mu.
func (c *LRUCache) lookup(key domain.Key) *entry {
	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.remove(elem)
		return nil
	}
	c.order.MoveToFront(elem)
	return e
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
