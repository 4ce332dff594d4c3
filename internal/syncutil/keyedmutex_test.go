package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "tenant/acct")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	var m KeyedMutex

	unlock, ok := m.TryLock("a")
	require.True(t, ok)

	_, ok = m.TryLock("a")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("a")
	assert.True(t, ok)
	unlock2()
}

func TestShard_Stable(t *testing.T) {
	a := Shard("tenant/acct-1", 64)
	assert.Equal(t, a, Shard("tenant/acct-1", 64))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 64)
}
