package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func TestEvaluateBatch_SortsPerAccount(t *testing.T) {
	h := newHarness(t, Options{BatchWorkers: 2}, domain.DefaultTenantConfig("T"))

	events := []domain.Event{
		ev("T", "A", domain.KindRequest, t0.Add(3*time.Second), nil),
		ev("T", "B", domain.KindRequest, t0.Add(time.Second), nil),
		ev("T", "A", domain.KindRequest, t0.Add(time.Second), nil),
		ev("T", "A", domain.KindRequest, t0.Add(2*time.Second), nil),
		ev("missing", "A", domain.KindRequest, t0, nil),
		ev("T", "B", domain.KindRequest, t0, nil),
	}
	results := h.engine.EvaluateBatch(context.Background(), events)
	require.Len(t, results, len(events))

	for i, r := range results {
		if events[i].TenantID == "missing" {
			assert.ErrorIs(t, r.Err, domain.ErrUnknownTenant)
			assert.Nil(t, r.Record)
			continue
		}
		require.NoError(t, r.Err, "event %d", i)
		assert.Equal(t, events[i].AccountID, r.Record.AccountID)
		assert.Equal(t, events[i].Timestamp, r.Record.Timestamp)
	}

	// Earliest event of each account is the cold start.
	assert.True(t, results[2].Record.ColdStart)
	assert.False(t, results[0].Record.ColdStart)
	assert.True(t, results[5].Record.ColdStart)
	assert.False(t, results[1].Record.ColdStart)
}

func TestEvaluateBatch_RejectsRegressionAcrossBatches(t *testing.T) {
	h := newHarness(t, Options{}, domain.DefaultTenantConfig("T"))
	ctx := context.Background()

	first := h.engine.EvaluateBatch(ctx, []domain.Event{ev("T", "A", domain.KindRequest, t0.Add(time.Minute), nil)})
	require.NoError(t, first[0].Err)

	second := h.engine.EvaluateBatch(ctx, []domain.Event{
		ev("T", "A", domain.KindRequest, t0, nil),
		ev("T", "A", domain.KindRequest, t0.Add(2*time.Minute), nil),
	})
	assert.ErrorIs(t, second[0].Err, domain.ErrOutOfOrderEvent)
	assert.NoError(t, second[1].Err)
}

func TestEvaluateBatch_CancelledContext(t *testing.T) {
	h := newHarness(t, Options{}, domain.DefaultTenantConfig("T"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.engine.EvaluateBatch(ctx, []domain.Event{
		ev("T", "A", domain.KindRequest, t0, nil),
		ev("T", "B", domain.KindRequest, t0, nil),
	})
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, 0, h.engine.Len())
}

func TestEvaluateBatch_Empty(t *testing.T) {
	h := newHarness(t, Options{}, domain.DefaultTenantConfig("T"))
	assert.Empty(t, h.engine.EvaluateBatch(context.Background(), nil))
}

// goroutinePeak records the highest goroutine count seen while appending.
type goroutinePeak struct {
	mu   sync.Mutex
	peak int
	seq  uint64
}

func (p *goroutinePeak) Append(rec *domain.DecisionRecord) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := runtime.NumGoroutine(); n > p.peak {
		p.peak = n
	}
	p.seq++
	rec.Sequence = p.seq
	return p.seq
}

func TestEvaluateBatch_BoundsGoroutines(t *testing.T) {
	h := newHarness(t, Options{}, domain.DefaultTenantConfig("T"))
	peak := &goroutinePeak{}
	eng := New(h.store, peak, Options{BatchWorkers: 4})

	events := make([]domain.Event, 1000)
	for i := range events {
		events[i] = ev("T", fmt.Sprintf("acct-%d", i), domain.KindRequest, t0, nil)
	}

	base := runtime.NumGoroutine()
	results := eng.EvaluateBatch(context.Background(), events)
	for i, r := range results {
		require.NoError(t, r.Err, "event %d", i)
	}
	assert.Equal(t, uint64(1000), peak.seq)
	assert.Less(t, peak.peak, base+50, "batch goroutines must not grow with the number of accounts")
}
