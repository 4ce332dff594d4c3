// Package fingerprint keeps a bounded window of behavioral features per trial
// account and derives a decayed abuse sub-score from it.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/scoring"
	"github.com/opensource-finance/trialguard/internal/syncutil"
)

// SessionGap is the idle gap after which activity counts as a new session.
const SessionGap = 5 * time.Minute

const shardCount = 64

// FeatureSnapshot is one observed behavioral feature.
type FeatureSnapshot struct {
	At        time.Time        `json:"at"`
	Kind      domain.EventKind `json:"kind"`
	Signature string           `json:"signature"`
	Interval  time.Duration    `json:"interval"`
}

// State is a copy of an account's fingerprint.
type State struct {
	Score    float64           `json:"score"`
	LastSeen time.Time         `json:"lastSeen"`
	Window   []FeatureSnapshot `json:"window"`
	Events   uint64            `json:"events"`
	Bursts   uint64            `json:"bursts"`
	Repeats  uint64            `json:"repeats"`
	Sessions int               `json:"sessions"`
}

// Result describes the outcome of one Update.
type Result struct {
	Score     float64
	Burst     bool
	Repeated  bool
	Window    int
	Signature string
}

type account struct {
	window   []FeatureSnapshot
	score    float64
	last     time.Time
	events   uint64
	bursts   uint64
	repeats  uint64
	sessions int
}

type shard struct {
	mu       sync.Mutex
	accounts map[domain.Key]*account
}

// Tracker owns the fingerprint state of every tracked account.
// Per-account ordering is the caller's job; the tracker only guards its maps.
type Tracker struct {
	shards [shardCount]shard
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].accounts = make(map[domain.Key]*account)
	}
	return t
}

func (t *Tracker) shard(key domain.Key) *shard {
	return &t.shards[syncutil.Shard(key.String(), shardCount)]
}

// Check returns ErrOutOfOrderEvent if at precedes the last timestamp recorded for key.
func (t *Tracker) Check(key domain.Key, at time.Time) error {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[key]; ok && at.Before(a.last) {
		return fmt.Errorf("%w: fingerprint for %s last updated %s, got %s",
			domain.ErrOutOfOrderEvent, key, a.last.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano))
	}
	return nil
}

// Update folds ev into the account's fingerprint.
func (t *Tracker) Update(key domain.Key, ev *domain.Event, cfg *domain.TenantConfig) (Result, error) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[key]
	if !ok {
		a = &account{last: ev.Timestamp, sessions: 1}
		s.accounts[key] = a
	}
	if ev.Timestamp.Before(a.last) {
		return Result{}, fmt.Errorf("%w: fingerprint for %s", domain.ErrOutOfOrderEvent, key)
	}

	gap := ev.Timestamp.Sub(a.last)
	a.score *= scoring.Decay(gap.Seconds(), cfg.Decay.AbuseHalfLife.Std().Seconds())
	if ok && gap > SessionGap {
		a.sessions++
	}
	a.last = ev.Timestamp
	a.events++

	fp := cfg.Fingerprint
	res := Result{}

	if ev.Kind == domain.KindRequest || ev.Kind == domain.KindResourceClaim {
		snap := FeatureSnapshot{At: ev.Timestamp, Kind: ev.Kind, Signature: Signature(ev)}
		if n := len(a.window); n > 0 {
			snap.Interval = ev.Timestamp.Sub(a.window[n-1].At)
			res.Burst = snap.Interval < fp.BurstWindow.Std()
		}
		a.window = append(a.window, snap)
		if over := len(a.window) - fp.Capacity; over > 0 {
			a.window = append(a.window[:0], a.window[over:]...)
		}
		res.Repeated = repeated(a.window, fp.RepeatRun)
		res.Signature = snap.Signature

		inc := fp.BaseIncrement
		if res.Burst {
			inc += fp.BurstIncrement
			a.bursts++
		}
		if res.Repeated {
			inc += fp.RepeatIncrement
			a.repeats++
		}
		a.score = scoring.Clamp01(a.score + inc)
	} else if over := len(a.window) - fp.Capacity; over > 0 {
		a.window = append(a.window[:0], a.window[over:]...)
	}

	res.Score = a.score
	res.Window = len(a.window)
	return res, nil
}

// repeated reports whether the last run snapshots share one signature.
func repeated(window []FeatureSnapshot, run int) bool {
	if run < 2 || len(window) < run {
		return false
	}
	tail := window[len(window)-run:]
	for _, s := range tail[1:] {
		if s.Signature != tail[0].Signature {
			return false
		}
	}
	return true
}

// Peek returns the abuse score of key decayed to at without mutating state.
func (t *Tracker) Peek(key domain.Key, at time.Time, cfg *domain.TenantConfig) (float64, bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[key]
	if !ok {
		return 0, false
	}
	return a.score * scoring.Decay(at.Sub(a.last).Seconds(), cfg.Decay.AbuseHalfLife.Std().Seconds()), true
}

// Snapshot returns a copy of the account's fingerprint.
func (t *Tracker) Snapshot(key domain.Key) (State, bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[key]
	if !ok {
		return State{}, false
	}
	return State{
		Score:    a.score,
		LastSeen: a.last,
		Window:   append([]FeatureSnapshot(nil), a.window...),
		Events:   a.events,
		Bursts:   a.bursts,
		Repeats:  a.repeats,
		Sessions: a.sessions,
	}, true
}

// Evict drops all state for key.
func (t *Tracker) Evict(key domain.Key) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[key]
	delete(s.accounts, key)
	return ok
}

// Len returns the number of tracked accounts.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.accounts)
		s.mu.Unlock()
	}
	return n
}

// Signature returns the event's explicit signature attribute, or a stable hash
// of its kind and client attributes.
func Signature(ev *domain.Event) string {
	if sig := ev.Attr(domain.AttrSignature); sig != "" {
		return sig
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(ev.Kind))
	for _, name := range []string{domain.AttrEndpoint, domain.AttrDevice, domain.AttrSession, domain.AttrUserAgent} {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(ev.Attr(name)))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
