// Package syncutil holds the per-account lock used by the decision engine.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of context-aware mutexes keyed by string.
// Memory is bounded regardless of how many keys are seen; keys that hash to
// the same shard serialize against each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex returns a ready KeyedMutex. The zero value is also usable.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for key or returns ctx.Err() if ctx is done first.
// On success the caller must call the returned unlock function exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[Shard(key, shardCount)]
	// Prefer a free lock even when ctx is already cancelled.
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	default:
	}
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	m.init()
	ch := m.shards[Shard(key, shardCount)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

// Shard maps key onto [0, n) with fnv-32a.
func Shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
