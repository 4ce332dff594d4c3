package simulation

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/engine"
	"github.com/opensource-finance/trialguard/internal/feed"
	"github.com/opensource-finance/trialguard/internal/rules"
	"github.com/opensource-finance/trialguard/internal/tenantcfg"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func drain(t *testing.T, g *Generator) []Generated {
	t.Helper()
	var out []Generated
	for {
		gen, ok := g.NextGenerated(context.Background())
		if !ok {
			return out
		}
		out = append(out, gen)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a, err := NewGenerator(Options{Seed: 7, Events: 200, Start: start})
	require.NoError(t, err)
	b, err := NewGenerator(Options{Seed: 7, Events: 200, Start: start})
	require.NoError(t, err)

	assert.Equal(t, drain(t, a), drain(t, b))
}

func TestGenerator_StopsAtLimit(t *testing.T) {
	g, err := NewGenerator(Options{Seed: 1, Events: 25, Start: start})
	require.NoError(t, err)

	assert.Len(t, drain(t, g), 25)
	assert.Equal(t, 25, g.Emitted())

	_, ok := g.Next(context.Background())
	assert.False(t, ok)
}

func TestGenerator_CancelledContext(t *testing.T) {
	g, err := NewGenerator(Options{Seed: 1, Start: start})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := g.Next(ctx)
	assert.False(t, ok)
	assert.Zero(t, g.Emitted())
}

func TestGenerator_EventsAreValidAndOrderedPerAccount(t *testing.T) {
	g, err := NewGenerator(Options{Seed: 42, Events: 2000, Start: start})
	require.NoError(t, err)

	ids := regexp.MustCompile(`^(msg_user|bad_actor|vip_lead)_[1-5]$`)
	last := map[domain.Key]time.Time{}
	held := map[domain.Key]int{}
	tenants := map[string]bool{}

	for _, gen := range drain(t, g) {
		ev := gen.Event
		require.NoError(t, ev.Validate())
		assert.Regexp(t, ids, ev.AccountID)
		tenants[ev.TenantID] = true

		k := ev.Key()
		assert.False(t, ev.Timestamp.Before(last[k]), "timestamps regress for %s", k)
		last[k] = ev.Timestamp

		switch ev.Kind {
		case domain.KindResourceClaim:
			held[k]++
		case domain.KindResourceRelease:
			held[k]--
			assert.GreaterOrEqual(t, held[k], 0, "release without claim for %s", k)
		}
	}
	assert.Equal(t, map[string]bool{"Tenant_A": true, "Tenant_B": true}, tenants)
}

func TestGenerator_ProfilesDifferInBehavior(t *testing.T) {
	g, err := NewGenerator(Options{Seed: 3, Events: 5000, Start: start})
	require.NoError(t, err)

	type tally struct{ events, claims, conversions int }
	by := map[string]*tally{}
	for _, gen := range drain(t, g) {
		tl := by[gen.Profile]
		if tl == nil {
			tl = &tally{}
			by[gen.Profile] = tl
		}
		tl.events++
		switch gen.Event.Kind {
		case domain.KindResourceClaim:
			tl.claims++
		case domain.KindConversionSignal:
			tl.conversions++
		}
	}

	require.Len(t, by, 3)
	rate := func(n, d int) float64 { return float64(n) / float64(d) }
	assert.Greater(t, by["NORMAL"].events, by["ABUSIVE"].events)
	assert.Greater(t, by["ABUSIVE"].events, by["HIGH_VALUE"].events)
	assert.Greater(t, rate(by["ABUSIVE"].claims, by["ABUSIVE"].events), rate(by["NORMAL"].claims, by["NORMAL"].events))
	assert.Greater(t, rate(by["HIGH_VALUE"].conversions, by["HIGH_VALUE"].events), rate(by["NORMAL"].conversions, by["NORMAL"].events))
	assert.Zero(t, by["ABUSIVE"].conversions)
}

func TestNewGenerator_Errors(t *testing.T) {
	_, err := NewGenerator(Options{Events: -1})
	assert.Error(t, err)

	_, err = NewGenerator(Options{Profiles: []Profile{{Name: "x", Share: 1}}})
	assert.Error(t, err, "missing base")

	_, err = NewGenerator(Options{Profiles: []Profile{{Name: "x", Base: "x"}}})
	assert.Error(t, err, "no positive share")

	_, err = NewGenerator(Options{Profiles: []Profile{{Name: "x", Base: "x", Share: 1, ClaimRate: 0.8, SignupRate: 0.3}}})
	assert.Error(t, err, "rates above 1")
}

func TestGenerator_DrivesEngine(t *testing.T) {
	re, err := rules.NewEngine()
	require.NoError(t, err)
	store := tenantcfg.NewStore(re)
	for _, id := range DefaultTenants {
		_, err := store.Replace(context.Background(), id, domain.DefaultTenantConfig(id))
		require.NoError(t, err)
	}
	eng := engine.New(store, feed.New(10000, 16), engine.Options{})

	g, err := NewGenerator(Options{Seed: 11, Events: 3000, Start: start})
	require.NoError(t, err)

	sum := map[string]float64{}
	count := map[string]int{}
	for {
		gen, ok := g.NextGenerated(context.Background())
		if !ok {
			break
		}
		rec, err := eng.Evaluate(context.Background(), gen.Event)
		require.NoError(t, err)
		sum[gen.Profile] += rec.ROI
		count[gen.Profile]++
	}

	mean := func(p string) float64 { return sum[p] / float64(count[p]) }
	assert.Less(t, mean("ABUSIVE"), mean("NORMAL"))
	assert.Equal(t, 30, eng.Len())
}
