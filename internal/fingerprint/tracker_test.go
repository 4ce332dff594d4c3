package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func request(at time.Time, sig string) *domain.Event {
	return &domain.Event{
		TenantID:   "tenant-a",
		AccountID:  "acct-1",
		Timestamp:  at,
		Kind:       domain.KindRequest,
		Attributes: map[string]string{domain.AttrSignature: sig},
	}
}

func TestTracker_Update(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	key := domain.Key{TenantID: "tenant-a", AccountID: "acct-1"}

	t.Run("first request adds base increment", func(t *testing.T) {
		tr := NewTracker()
		res, err := tr.Update(key, request(t0, "s"), cfg)
		require.NoError(t, err)
		assert.InDelta(t, 0.02, res.Score, 1e-9)
		assert.False(t, res.Burst)
		assert.False(t, res.Repeated)
		assert.Equal(t, 1, res.Window)
	})

	t.Run("burst and repeat", func(t *testing.T) {
		tr := NewTracker()
		var res Result
		var err error
		for i := 0; i < 5; i++ {
			res, err = tr.Update(key, request(t0.Add(time.Duration(i)*100*time.Millisecond), "same"), cfg)
			require.NoError(t, err)
		}
		assert.True(t, res.Burst)
		assert.True(t, res.Repeated)
		// 0.02 + 3*0.07 + 0.17, barely decayed
		assert.InDelta(t, 0.40, res.Score, 1e-3)

		st, ok := tr.Snapshot(key)
		require.True(t, ok)
		assert.Equal(t, uint64(4), st.Bursts)
		assert.Equal(t, uint64(1), st.Repeats)
	})

	t.Run("varied signatures never repeat", func(t *testing.T) {
		tr := NewTracker()
		for i := 0; i < 10; i++ {
			res, err := tr.Update(key, request(t0.Add(time.Duration(i)*10*time.Second), string(rune('a'+i))), cfg)
			require.NoError(t, err)
			assert.False(t, res.Repeated)
			assert.False(t, res.Burst)
		}
	})

	t.Run("score clamps to one", func(t *testing.T) {
		tr := NewTracker()
		var res Result
		for i := 0; i < 50; i++ {
			res, _ = tr.Update(key, request(t0.Add(time.Duration(i)*time.Millisecond), "x"), cfg)
		}
		assert.Equal(t, 1.0, res.Score)
	})

	t.Run("signals only decay", func(t *testing.T) {
		tr := NewTracker()
		_, _ = tr.Update(key, request(t0, "s"), cfg)
		ev := &domain.Event{TenantID: "tenant-a", AccountID: "acct-1", Timestamp: t0.Add(10 * time.Minute), Kind: domain.KindSignupSignal}
		res, err := tr.Update(key, ev, cfg)
		require.NoError(t, err)
		assert.InDelta(t, 0.01, res.Score, 1e-9)
		assert.Equal(t, 1, res.Window)
	})
}

func TestTracker_WindowBounded(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	cfg.Fingerprint.Capacity = 8
	key := domain.Key{TenantID: "tenant-a", AccountID: "acct-1"}
	tr := NewTracker()

	for i := 0; i < 100; i++ {
		res, err := tr.Update(key, request(t0.Add(time.Duration(i)*time.Second), "s"), cfg)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Window, 8)
	}
	st, _ := tr.Snapshot(key)
	require.Len(t, st.Window, 8)
	assert.Equal(t, t0.Add(99*time.Second), st.Window[7].At)
	assert.Equal(t, t0.Add(92*time.Second), st.Window[0].At)
}

func TestTracker_DecayHalvesPerHalfLife(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	key := domain.Key{TenantID: "tenant-a", AccountID: "acct-1"}
	tr := NewTracker()

	res, err := tr.Update(key, request(t0, "s"), cfg)
	require.NoError(t, err)

	half := cfg.Decay.AbuseHalfLife.Std()
	v, ok := tr.Peek(key, t0.Add(half), cfg)
	require.True(t, ok)
	assert.InDelta(t, res.Score/2, v, 1e-12)

	v, _ = tr.Peek(key, t0.Add(2*half), cfg)
	assert.InDelta(t, res.Score/4, v, 1e-12)

	// Peek does not mutate
	st, _ := tr.Snapshot(key)
	assert.Equal(t, res.Score, st.Score)
}

func TestTracker_OutOfOrder(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	key := domain.Key{TenantID: "tenant-a", AccountID: "acct-1"}
	tr := NewTracker()

	_, err := tr.Update(key, request(t0, "s"), cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Check(key, t0.Add(-time.Second)), domain.ErrOutOfOrderEvent)
	assert.NoError(t, tr.Check(key, t0))

	before, _ := tr.Snapshot(key)
	_, err = tr.Update(key, request(t0.Add(-time.Second), "s"), cfg)
	assert.ErrorIs(t, err, domain.ErrOutOfOrderEvent)
	after, _ := tr.Snapshot(key)
	assert.Equal(t, before, after)

	_, err = tr.Update(key, request(t0, "s"), cfg)
	assert.NoError(t, err, "equal timestamps are accepted")
}

func TestTracker_Sessions(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	key := domain.Key{TenantID: "tenant-a", AccountID: "acct-1"}
	tr := NewTracker()

	_, _ = tr.Update(key, request(t0, "s"), cfg)
	_, _ = tr.Update(key, request(t0.Add(time.Minute), "s"), cfg)
	_, _ = tr.Update(key, request(t0.Add(10*time.Minute), "s"), cfg)

	st, _ := tr.Snapshot(key)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, uint64(3), st.Events)
}

func TestTracker_EvictAndLen(t *testing.T) {
	cfg := domain.DefaultTenantConfig("tenant-a")
	tr := NewTracker()
	a := domain.Key{TenantID: "tenant-a", AccountID: "a"}
	b := domain.Key{TenantID: "tenant-b", AccountID: "a"}

	_, _ = tr.Update(a, request(t0, "s"), cfg)
	_, _ = tr.Update(b, request(t0, "s"), cfg)
	assert.Equal(t, 2, tr.Len())

	assert.True(t, tr.Evict(a))
	assert.False(t, tr.Evict(a))
	assert.Equal(t, 1, tr.Len())

	_, ok := tr.Snapshot(a)
	assert.False(t, ok)
	_, ok = tr.Snapshot(b)
	assert.True(t, ok)
}

func TestSignature(t *testing.T) {
	base := domain.Event{Kind: domain.KindRequest, Attributes: map[string]string{
		domain.AttrEndpoint: "/api/run", domain.AttrDevice: "d1",
	}}
	same := base
	other := domain.Event{Kind: domain.KindRequest, Attributes: map[string]string{
		domain.AttrEndpoint: "/api/run", domain.AttrDevice: "d2",
	}}
	explicit := domain.Event{Kind: domain.KindRequest, Attributes: map[string]string{domain.AttrSignature: "bot-1"}}

	assert.Equal(t, Signature(&base), Signature(&same))
	assert.NotEqual(t, Signature(&base), Signature(&other))
	assert.Equal(t, "bot-1", Signature(&explicit))
}
