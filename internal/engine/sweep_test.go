package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func TestSweep_EvictsInactiveAccounts(t *testing.T) {
	cfg := domain.DefaultTenantConfig("T")
	cfg.InactivityWindow = domain.Duration(10 * time.Minute)
	h := newHarness(t, Options{}, cfg)
	ctx := context.Background()

	_, err := h.engine.Evaluate(ctx, ev("T", "old", domain.KindResourceClaim, t0, nil))
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, ev("T", "fresh", domain.KindRequest, t0.Add(8*time.Minute), nil))
	require.NoError(t, err)

	assert.Equal(t, 0, h.engine.Sweep(t0.Add(10*time.Minute)), "exactly the window is not idle")
	assert.Equal(t, 1, h.engine.Sweep(t0.Add(11*time.Minute)))
	assert.Equal(t, 1, h.engine.Len())

	_, ok := h.engine.Account(domain.Key{TenantID: "T", AccountID: "old"}, t0.Add(11*time.Minute))
	assert.False(t, ok)

	rec, err := h.engine.Evaluate(ctx, ev("T", "old", domain.KindRequest, t0.Add(12*time.Minute), nil))
	require.NoError(t, err)
	assert.True(t, rec.ColdStart)
	assert.Equal(t, 0.0, rec.SubScores.Cost)
}

func TestSweep_UsesTenantWindow(t *testing.T) {
	short := domain.DefaultTenantConfig("short")
	short.InactivityWindow = domain.Duration(time.Minute)
	long := domain.DefaultTenantConfig("long")
	long.InactivityWindow = domain.Duration(time.Hour)
	h := newHarness(t, Options{}, short, long)
	ctx := context.Background()

	_, _ = h.engine.Evaluate(ctx, ev("short", "a", domain.KindRequest, t0, nil))
	_, _ = h.engine.Evaluate(ctx, ev("long", "a", domain.KindRequest, t0, nil))

	assert.Equal(t, 1, h.engine.Sweep(t0.Add(5*time.Minute)))
	_, ok := h.engine.Account(domain.Key{TenantID: "long", AccountID: "a"}, t0)
	assert.True(t, ok)
}

func TestSweep_SkipsAccountsInFlight(t *testing.T) {
	cfg := domain.DefaultTenantConfig("T")
	h := newHarness(t, Options{}, cfg)
	key := domain.Key{TenantID: "T", AccountID: "busy"}

	_, err := h.engine.Evaluate(context.Background(), ev("T", "busy", domain.KindRequest, t0, nil))
	require.NoError(t, err)

	unlock, err := h.engine.locks.Lock(context.Background(), key.String())
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.Sweep(t0.Add(24*time.Hour)))
	unlock()

	assert.Equal(t, 1, h.engine.Sweep(t0.Add(24*time.Hour)))
}

func TestSweep_EnforcesMaxAccounts(t *testing.T) {
	h := newHarness(t, Options{MaxAccounts: 3}, domain.DefaultTenantConfig("T"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.engine.Evaluate(ctx, ev("T", fmt.Sprintf("acct_%d", i), domain.KindRequest, t0.Add(time.Duration(i)*time.Second), nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, h.engine.Len())

	assert.Equal(t, 2, h.engine.Sweep(t0.Add(5*time.Second)))
	assert.Equal(t, 3, h.engine.Len())

	for i, want := range []bool{false, false, true, true, true} {
		_, ok := h.engine.Account(domain.Key{TenantID: "T", AccountID: fmt.Sprintf("acct_%d", i)}, t0.Add(5*time.Second))
		assert.Equal(t, want, ok, "acct_%d", i)
	}
}

func TestSweep_UnknownTenantStateIsDropped(t *testing.T) {
	h := newHarness(t, Options{}, domain.DefaultTenantConfig("T"))
	_, err := h.engine.Evaluate(context.Background(), ev("T", "a", domain.KindRequest, t0, nil))
	require.NoError(t, err)

	// Swap the engine onto a source that no longer knows the tenant.
	other := newHarness(t, Options{})
	h.engine.configs = other.store
	assert.Equal(t, 1, h.engine.Sweep(t0.Add(time.Second)))
	assert.Equal(t, 0, h.engine.Len())
}
