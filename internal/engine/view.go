package engine

import (
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/drain"
	"github.com/opensource-finance/trialguard/internal/fingerprint"
	"github.com/opensource-finance/trialguard/internal/scoring"
)

// AccountView is a read-only picture of one account's rolling state.
type AccountView struct {
	TenantID         string                        `json:"tenantId"`
	AccountID        string                        `json:"accountId"`
	FirstSeen        time.Time                     `json:"firstSeen"`
	LastSeen         time.Time                     `json:"lastSeen"`
	Evaluations      uint64                        `json:"evaluations"`
	SubScores        domain.SubScores              `json:"subScores"`
	ConversionPoints float64                       `json:"conversionPoints"`
	Signups          uint64                        `json:"signups"`
	Conversions      uint64                        `json:"conversions"`
	Sessions         int                           `json:"sessions"`
	Features         []fingerprint.FeatureSnapshot `json:"features"`
	Resources        drain.State                   `json:"resources"`
	LastDecision     *domain.DecisionRecord        `json:"lastDecision,omitempty"`
}

// Account returns the state of key with sub-scores decayed to at.
func (e *Engine) Account(key domain.Key, at time.Time) (AccountView, bool) {
	snap, err := e.configs.Get(key.TenantID)
	if err != nil {
		return AccountView{}, false
	}
	cfg := snap.Config

	s := e.shard(key)
	s.mu.Lock()
	a, ok := s.accounts[key]
	if !ok {
		s.mu.Unlock()
		return AccountView{}, false
	}
	view := AccountView{
		TenantID:         key.TenantID,
		AccountID:        key.AccountID,
		FirstSeen:        a.firstSeen,
		LastSeen:         a.lastSeen,
		Evaluations:      a.evaluations,
		ConversionPoints: a.points,
		Signups:          a.signups,
		Conversions:      a.conversions,
		LastDecision:     a.last,
	}
	s.mu.Unlock()

	if at.Before(view.LastSeen) {
		at = view.LastSeen
	}
	abuse, _ := e.tracker.Peek(key, at, cfg)
	cost, _ := e.monitor.Peek(key, at, cfg)
	view.SubScores = domain.SubScores{
		Abuse:      scoring.Clamp01(abuse),
		Cost:       cost,
		Conversion: scoring.EstimateConversion(view.ConversionPoints, cfg.Conversion.HalfSaturation),
	}

	if fp, ok := e.tracker.Snapshot(key); ok {
		view.Features = fp.Window
		view.Sessions = fp.Sessions
	}
	if dr, ok := e.monitor.Snapshot(key); ok {
		view.Resources = dr
	}
	return view, true
}
