package engine

import (
	"sort"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/metrics"
)

type sweepCandidate struct {
	key      domain.Key
	lastSeen time.Time
}

// Sweep evicts accounts whose last event is older than their tenant's
// inactivity window at now, then trims the least recently seen accounts until
// MaxAccounts holds. Accounts with an evaluation in flight are skipped. It
// returns the number of accounts evicted.
func (e *Engine) Sweep(now time.Time) int {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var all []sweepCandidate
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		for k, a := range s.accounts {
			all = append(all, sweepCandidate{key: k, lastSeen: a.lastSeen})
		}
		s.mu.Unlock()
	}

	windows := make(map[string]time.Duration)
	window := func(tenantID string) time.Duration {
		if w, ok := windows[tenantID]; ok {
			return w
		}
		var w time.Duration
		if snap, err := e.configs.Get(tenantID); err == nil {
			w = snap.Config.InactivityWindow.Std()
		}
		windows[tenantID] = w
		return w
	}

	evicted := 0
	keep := all[:0]
	for _, c := range all {
		// An account whose tenant is gone has no window and is always idle.
		if now.Sub(c.lastSeen) > window(c.key.TenantID) && e.evictIdle(c.key, func(last time.Time) bool {
			return now.Sub(last) > window(c.key.TenantID)
		}) {
			evicted++
			continue
		}
		keep = append(keep, c)
	}
	if evicted > 0 {
		metrics.EvictedAccountsTotal.WithLabelValues("inactive").Add(float64(evicted))
	}

	if e.maxAccounts > 0 {
		if over := e.Len() - e.maxAccounts; over > 0 {
			sort.Slice(keep, func(i, j int) bool { return keep[i].lastSeen.Before(keep[j].lastSeen) })
			trimmed := 0
			for _, c := range keep {
				if trimmed == over {
					break
				}
				seen := c.lastSeen
				if e.evictIdle(c.key, func(last time.Time) bool { return last.Equal(seen) }) {
					trimmed++
				}
			}
			if trimmed > 0 {
				metrics.EvictedAccountsTotal.WithLabelValues("capacity").Add(float64(trimmed))
			}
			evicted += trimmed
		}
	}

	if evicted > 0 {
		e.logger.Info("sweep evicted accounts", "evicted", evicted, "tracked", e.Len())
	}
	return evicted
}

// evictIdle evicts key if it is not being evaluated and still satisfies idle
// under the account lock.
func (e *Engine) evictIdle(key domain.Key, idle func(lastSeen time.Time) bool) bool {
	unlock, ok := e.locks.TryLock(key.String())
	if !ok {
		return false
	}
	defer unlock()

	s := e.shard(key)
	s.mu.Lock()
	a, exists := s.accounts[key]
	if !exists || !idle(a.lastSeen) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	return e.evict(key)
}
