// Package drain tracks how much infrastructure each trial account is holding
// and turns it into a decayed cost sub-score.
package drain

import (
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/scoring"
	"github.com/opensource-finance/trialguard/internal/syncutil"
)

const shardCount = 64

// State is a copy of an account's resource usage.
type State struct {
	Held          float64   `json:"held"`
	Claims        uint64    `json:"claims"`
	Releases      uint64    `json:"releases"`
	ClaimedUnits  float64   `json:"claimedUnits"`
	Anomalies     uint64    `json:"anomalies"`
	ClaimSeconds  float64   `json:"claimSeconds"`
	Pressure      float64   `json:"pressure"`
	LastSeen      time.Time `json:"lastSeen"`
	LastResources []string  `json:"lastResources,omitempty"`
}

// Result describes the outcome of one Update.
type Result struct {
	Cost            float64
	Held            float64
	Pressure        float64
	OverConcurrency bool

	// Anomaly is ErrResourceAnomaly when a release exceeded the held amount.
	Anomaly error
}

type account struct {
	State
}

type shard struct {
	mu       sync.Mutex
	accounts map[domain.Key]*account
}

// Monitor owns the resource state of every tracked account.
type Monitor struct {
	shards [shardCount]shard
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	for i := range m.shards {
		m.shards[i].accounts = make(map[domain.Key]*account)
	}
	return m
}

func (m *Monitor) shard(key domain.Key) *shard {
	return &m.shards[syncutil.Shard(key.String(), shardCount)]
}

// Check returns ErrOutOfOrderEvent if at precedes the last timestamp recorded for key.
func (m *Monitor) Check(key domain.Key, at time.Time) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[key]; ok && at.Before(a.LastSeen) {
		return fmt.Errorf("%w: resource state for %s last updated %s, got %s",
			domain.ErrOutOfOrderEvent, key, a.LastSeen.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano))
	}
	return nil
}

// Update folds ev into the account's resource usage. Non-resource events only
// advance the clock.
func (m *Monitor) Update(key domain.Key, ev *domain.Event, cfg *domain.TenantConfig) (Result, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[key]
	if !ok {
		a = &account{State: State{LastSeen: ev.Timestamp}}
		s.accounts[key] = a
	}
	if ev.Timestamp.Before(a.LastSeen) {
		return Result{}, fmt.Errorf("%w: resource state for %s", domain.ErrOutOfOrderEvent, key)
	}

	elapsed := ev.Timestamp.Sub(a.LastSeen)
	a.Pressure *= scoring.Decay(elapsed.Seconds(), cfg.Decay.CostHalfLife.Std().Seconds())
	exposure := a.Held * elapsed.Seconds()
	a.ClaimSeconds += exposure
	a.Pressure += exposure / 60
	a.LastSeen = ev.Timestamp

	res := Result{}
	units := ev.Float(domain.AttrUnits, 1)

	switch ev.Kind {
	case domain.KindResourceClaim:
		a.Held += units
		a.Claims++
		a.ClaimedUnits += units
		a.Pressure += units
		if r := ev.Attr(domain.AttrResource); r != "" {
			a.LastResources = appendBounded(a.LastResources, r, 8)
		}
	case domain.KindResourceRelease:
		a.Releases++
		if units > a.Held {
			res.Anomaly = fmt.Errorf("%w: %s released %g units holding %g",
				domain.ErrResourceAnomaly, key, units, a.Held)
			a.Held = 0
			a.Anomalies++
		} else {
			a.Held -= units
		}
	}

	res.Held = a.Held
	res.Pressure = a.Pressure
	res.Cost = cost(a.Pressure, cfg)
	res.OverConcurrency = a.Held > cfg.Resource.ExpectedConcurrent
	return res, nil
}

func cost(pressure float64, cfg *domain.TenantConfig) float64 {
	return scoring.Clamp01(pressure / cfg.Resource.ExpectedClaims)
}

func appendBounded(list []string, v string, max int) []string {
	list = append(list, v)
	if len(list) > max {
		list = append(list[:0], list[len(list)-max:]...)
	}
	return list
}

// Peek returns the cost sub-score of key at time at without mutating state.
func (m *Monitor) Peek(key domain.Key, at time.Time, cfg *domain.TenantConfig) (float64, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[key]
	if !ok {
		return 0, false
	}
	elapsed := at.Sub(a.LastSeen)
	if elapsed < 0 {
		elapsed = 0
	}
	p := a.Pressure*scoring.Decay(elapsed.Seconds(), cfg.Decay.CostHalfLife.Std().Seconds()) +
		a.Held*elapsed.Minutes()
	return cost(p, cfg), true
}

// Snapshot returns a copy of the account's resource state.
func (m *Monitor) Snapshot(key domain.Key) (State, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[key]
	if !ok {
		return State{}, false
	}
	st := a.State
	st.LastResources = append([]string(nil), a.LastResources...)
	return st, true
}

// Evict drops all state for key.
func (m *Monitor) Evict(key domain.Key) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[key]
	delete(s.accounts, key)
	return ok
}

// Len returns the number of tracked accounts.
func (m *Monitor) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.accounts)
		s.mu.Unlock()
	}
	return n
}
