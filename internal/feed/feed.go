// Package feed is the in-memory, append-only sequence of decision records.
// Consumers either poll by sequence number or subscribe to a channel.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// Feed retains the most recent capacity records. Sequence numbers start at 1
// and are assigned in append order.
type Feed struct {
	mu       sync.Mutex
	ring     []*domain.DecisionRecord
	next     uint64
	subs     map[uint64]*Subscription
	subSeq   uint64
	subBuf   int
	closed   bool
	dropped  atomic.Uint64
	appended atomic.Uint64
}

// New creates a feed retaining capacity records, with subBuffer slots per subscriber.
func New(capacity, subBuffer int) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	if subBuffer <= 0 {
		subBuffer = 1
	}
	return &Feed{
		ring:   make([]*domain.DecisionRecord, capacity),
		next:   1,
		subs:   make(map[uint64]*Subscription),
		subBuf: subBuffer,
	}
}

// Append assigns rec its sequence number and publishes it. It never blocks:
// subscribers that are full miss the record and their drop count grows.
func (f *Feed) Append(rec *domain.DecisionRecord) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec.Sequence = f.next
	f.next++
	f.ring[rec.Sequence%uint64(len(f.ring))] = rec
	f.appended.Add(1)

	for _, s := range f.subs {
		select {
		case s.ch <- rec:
		default:
			s.dropped.Add(1)
			f.dropped.Add(1)
		}
	}
	return rec.Sequence
}

// Since returns up to limit records with a sequence greater than after, oldest
// first, and the sequence to pass on the next call. Records that have aged out
// of the ring are skipped.
func (f *Feed) Since(after uint64, limit int) ([]*domain.DecisionRecord, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	last := f.next - 1
	if after >= last {
		return nil, after
	}
	oldest := uint64(1)
	if last > uint64(len(f.ring)) {
		oldest = last - uint64(len(f.ring)) + 1
	}
	from := after + 1
	if from < oldest {
		from = oldest
	}
	n := last - from + 1
	if limit > 0 && uint64(limit) < n {
		n = uint64(limit)
	}

	out := make([]*domain.DecisionRecord, 0, n)
	for seq := from; seq < from+n; seq++ {
		out = append(out, f.ring[seq%uint64(len(f.ring))])
	}
	return out, from + n - 1
}

// Last returns the sequence of the most recent record, or 0.
func (f *Feed) Last() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next - 1
}

// Appended returns the number of records ever appended.
func (f *Feed) Appended() uint64 {
	return f.appended.Load()
}

// Dropped returns the number of deliveries missed by slow subscribers.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Subscription receives records appended after it was created.
type Subscription struct {
	id      uint64
	after   uint64
	feed    *Feed
	ch      chan *domain.DecisionRecord
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscriber. The returned channel is closed by
// Close or by closing the feed.
func (f *Feed) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subSeq++
	s := &Subscription{id: f.subSeq, after: f.next - 1, feed: f, ch: make(chan *domain.DecisionRecord, f.subBuf)}
	if f.closed {
		close(s.ch)
		return s
	}
	f.subs[s.id] = s
	return s
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan *domain.DecisionRecord {
	return s.ch
}

// After returns the sequence of the last record appended before the
// subscription was created. The channel only carries later records.
func (s *Subscription) After() uint64 {
	return s.after
}

// Dropped returns how many records this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if _, ok := s.feed.subs[s.id]; ok {
		delete(s.feed.subs, s.id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Close closes every subscription. Append keeps working for pollers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}
