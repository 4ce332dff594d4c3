// Package summary derives per-tenant dashboard figures from the decision
// stream. It never reads engine state.
package summary

import (
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// Defaults for the aggregator windows.
const (
	DefaultActiveWindow   = 30 * time.Minute
	DefaultSeriesWindow   = 60 * time.Minute
	DefaultResourceWindow = time.Minute
	DefaultHighConversion = 0.5

	maxRecentClaims = 10000
)

// MinutePoint counts dispositions within one minute.
type MinutePoint struct {
	Minute   time.Time `json:"minute"`
	Allow    int       `json:"allow"`
	Throttle int       `json:"throttle"`
	Flag     int       `json:"flag"`
	Block    int       `json:"block"`
}

// Summary is the read-side picture of one tenant.
type Summary struct {
	TenantID           string                        `json:"tenantId"`
	TotalEvents        uint64                        `json:"totalEvents"`
	BlockedEvents      uint64                        `json:"blockedEvents"`
	BlockRate          float64                       `json:"blockRate"`
	Dispositions       map[domain.Disposition]uint64 `json:"dispositions"`
	Reasons            map[string]uint64             `json:"reasons"`
	ActiveTrials       int                           `json:"activeTrials"`
	CostSaved          float64                       `json:"costSaved"`
	RevenueOpportunity float64                       `json:"revenueOpportunity"`
	Series             []MinutePoint                 `json:"series"`
	Resources          map[string]int                `json:"resources"`
}

type claim struct {
	at       time.Time
	resource string
}

type tenantStats struct {
	total        uint64
	dispositions map[domain.Disposition]uint64
	reasons      map[string]uint64
	lastSeen     map[string]time.Time
	costSaved    float64
	revenue      float64
	minutes      map[int64]*MinutePoint
	newest       time.Time
	claims       []claim
}

// Aggregator folds decision records into per-tenant summaries. It is safe for
// concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	tenants map[string]*tenantStats

	ActiveWindow   time.Duration
	SeriesWindow   time.Duration
	ResourceWindow time.Duration
	HighConversion float64
}

// New creates an aggregator with default windows.
func New() *Aggregator {
	return &Aggregator{
		tenants:        make(map[string]*tenantStats),
		ActiveWindow:   DefaultActiveWindow,
		SeriesWindow:   DefaultSeriesWindow,
		ResourceWindow: DefaultResourceWindow,
		HighConversion: DefaultHighConversion,
	}
}

// Observe folds rec into its tenant's summary.
func (a *Aggregator) Observe(rec *domain.DecisionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts, ok := a.tenants[rec.TenantID]
	if !ok {
		ts = &tenantStats{
			dispositions: make(map[domain.Disposition]uint64),
			reasons:      make(map[string]uint64),
			lastSeen:     make(map[string]time.Time),
			minutes:      make(map[int64]*MinutePoint),
		}
		a.tenants[rec.TenantID] = ts
	}

	ts.total++
	ts.dispositions[rec.Disposition]++
	for _, r := range rec.Reasons {
		ts.reasons[r]++
	}
	if prev, ok := ts.lastSeen[rec.AccountID]; !ok || rec.Timestamp.After(prev) {
		ts.lastSeen[rec.AccountID] = rec.Timestamp
	}

	switch rec.Disposition {
	case domain.DispositionBlock:
		ts.costSaved += rec.SubScores.Cost
	case domain.DispositionAllow:
		if rec.SubScores.Conversion >= a.HighConversion {
			ts.revenue += rec.SubScores.Conversion
		}
	}

	minute := rec.Timestamp.Truncate(time.Minute)
	p, ok := ts.minutes[minute.Unix()]
	if !ok {
		p = &MinutePoint{Minute: minute.UTC()}
		ts.minutes[minute.Unix()] = p
	}
	switch rec.Disposition {
	case domain.DispositionAllow:
		p.Allow++
	case domain.DispositionThrottle:
		p.Throttle++
	case domain.DispositionFlag:
		p.Flag++
	case domain.DispositionBlock:
		p.Block++
	}

	if rec.EventKind == domain.KindResourceClaim && rec.Resource != "" {
		ts.claims = append(ts.claims, claim{at: rec.Timestamp, resource: rec.Resource})
		if len(ts.claims) > maxRecentClaims {
			ts.claims = append(ts.claims[:0], ts.claims[len(ts.claims)-maxRecentClaims:]...)
		}
	}

	if rec.Timestamp.After(ts.newest) {
		ts.newest = rec.Timestamp
		a.prune(ts)
	}
}

// prune drops buckets, accounts and claims that fell out of every window.
func (a *Aggregator) prune(ts *tenantStats) {
	cutoff := ts.newest.Add(-a.SeriesWindow).Truncate(time.Minute)
	for k, p := range ts.minutes {
		if p.Minute.Before(cutoff) {
			delete(ts.minutes, k)
		}
	}
	activeCutoff := ts.newest.Add(-a.ActiveWindow)
	for id, seen := range ts.lastSeen {
		if seen.Before(activeCutoff) {
			delete(ts.lastSeen, id)
		}
	}
	claimCutoff := ts.newest.Add(-a.ResourceWindow)
	i := 0
	for i < len(ts.claims) && ts.claims[i].at.Before(claimCutoff) {
		i++
	}
	if i > 0 {
		ts.claims = append(ts.claims[:0], ts.claims[i:]...)
	}
}

// Summary returns the tenant's figures as of now.
func (a *Aggregator) Summary(tenantID string, now time.Time) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Summary{
		TenantID:     tenantID,
		Dispositions: make(map[domain.Disposition]uint64),
		Reasons:      make(map[string]uint64),
		Series:       []MinutePoint{},
		Resources:    make(map[string]int),
	}
	ts, ok := a.tenants[tenantID]
	if !ok {
		return out
	}

	out.TotalEvents = ts.total
	out.BlockedEvents = ts.dispositions[domain.DispositionBlock]
	if ts.total > 0 {
		out.BlockRate = float64(out.BlockedEvents) / float64(ts.total)
	}
	for d, n := range ts.dispositions {
		out.Dispositions[d] = n
	}
	for r, n := range ts.reasons {
		out.Reasons[r] = n
	}
	out.CostSaved = ts.costSaved
	out.RevenueOpportunity = ts.revenue

	for _, seen := range ts.lastSeen {
		if now.Sub(seen) <= a.ActiveWindow {
			out.ActiveTrials++
		}
	}

	seriesCutoff := now.Add(-a.SeriesWindow)
	for _, p := range ts.minutes {
		if !p.Minute.Before(seriesCutoff.Truncate(time.Minute)) {
			out.Series = append(out.Series, *p)
		}
	}
	sort.Slice(out.Series, func(i, j int) bool { return out.Series[i].Minute.Before(out.Series[j].Minute) })

	claimCutoff := now.Add(-a.ResourceWindow)
	for _, c := range ts.claims {
		if !c.at.Before(claimCutoff) && !c.at.After(now) {
			out.Resources[c.resource]++
		}
	}
	return out
}

// Tenants returns tenant ids seen so far, sorted.
func (a *Aggregator) Tenants() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.tenants))
	for id := range a.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
