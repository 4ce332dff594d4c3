package feed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func rec(account string) *domain.DecisionRecord {
	return &domain.DecisionRecord{TenantID: "tenant-a", AccountID: account, Disposition: domain.DispositionAllow}
}

func TestFeed_AppendAssignsSequence(t *testing.T) {
	f := New(10, 4)
	assert.Equal(t, uint64(0), f.Last())

	for i := 1; i <= 3; i++ {
		r := rec("a")
		seq := f.Append(r)
		assert.Equal(t, uint64(i), seq)
		assert.Equal(t, uint64(i), r.Sequence)
	}
	assert.Equal(t, uint64(3), f.Last())
	assert.Equal(t, uint64(3), f.Appended())
}

func TestFeed_Since(t *testing.T) {
	f := New(5, 1)
	for i := 0; i < 8; i++ {
		f.Append(rec("a"))
	}

	t.Run("from start skips aged out", func(t *testing.T) {
		out, next := f.Since(0, 0)
		require.Len(t, out, 5)
		assert.Equal(t, uint64(4), out[0].Sequence)
		assert.Equal(t, uint64(8), out[4].Sequence)
		assert.Equal(t, uint64(8), next)
	})

	t.Run("limit", func(t *testing.T) {
		out, next := f.Since(5, 2)
		require.Len(t, out, 2)
		assert.Equal(t, uint64(6), out[0].Sequence)
		assert.Equal(t, uint64(7), next)
	})

	t.Run("caught up", func(t *testing.T) {
		out, next := f.Since(8, 10)
		assert.Empty(t, out)
		assert.Equal(t, uint64(8), next)
	})
}

func TestFeed_Subscribe(t *testing.T) {
	f := New(100, 2)
	sub := f.Subscribe()

	f.Append(rec("a"))
	f.Append(rec("b"))
	f.Append(rec("c")) // buffer full

	assert.Equal(t, "a", (<-sub.C()).AccountID)
	assert.Equal(t, "b", (<-sub.C()).AccountID)
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, uint64(1), f.Dropped())

	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()

	f.Append(rec("d"))
	assert.Equal(t, uint64(1), f.Dropped(), "closed subscribers are not counted")
}

func TestFeed_CloseClosesSubscribers(t *testing.T) {
	f := New(10, 1)
	a := f.Subscribe()
	f.Close()

	_, ok := <-a.C()
	assert.False(t, ok)

	late := f.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)

	f.Append(rec("x"))
	out, _ := f.Since(0, 0)
	assert.Len(t, out, 1)
}

func TestFeed_ConcurrentAppend(t *testing.T) {
	f := New(1000, 1)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Append(rec("a"))
			}
		}()
	}
	wg.Wait()

	out, _ := f.Since(0, 0)
	require.Len(t, out, 500)
	for i, r := range out {
		assert.Equal(t, uint64(i+1), r.Sequence)
	}
}
