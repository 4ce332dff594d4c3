package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/feed"
	"github.com/opensource-finance/trialguard/internal/metrics"
	"github.com/opensource-finance/trialguard/internal/syncutil"
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of delivery goroutines. Records of one account
	// always go to the same goroutine, so they reach each sink in order.
	Workers int

	// QueueSize is the per-worker queue length.
	QueueSize int

	// SinkTimeout bounds each Emit call.
	SinkTimeout time.Duration

	// CatchUpInterval is how often the dispatcher compares its position with
	// the feed and reads missed records back from the ring.
	CatchUpInterval time.Duration
}

const catchUpBatch = 512

// Dispatcher reads the decision feed and delivers every record to each sink.
// Sink failures are logged and counted; they never reach the engine.
//
// The feed subscription may drop records while sinks are slow. The dispatcher
// tracks the last sequence it routed and reads any gap back with Feed.Since,
// so a record is only missed when it has already aged out of the ring.
type Dispatcher struct {
	feed    *feed.Feed
	sub     *feed.Subscription
	cursor  uint64
	lost    atomic.Uint64
	sinks   []Sink
	cfg     DispatcherConfig
	logger  *slog.Logger
	queues  []chan *domain.DecisionRecord
	wg      sync.WaitGroup
	stopped chan struct{}
	started atomic.Bool

	mu        sync.Mutex
	delivered uint64
	failures  map[string]uint64
}

// NewDispatcher subscribes to f. Start must be called to begin delivery.
func NewDispatcher(f *feed.Feed, sinks []Sink, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub := f.Subscribe()
	d := &Dispatcher{
		feed:     f,
		sub:      sub,
		cursor:   sub.After(),
		sinks:    sinks,
		cfg:      cfg,
		logger:   logger,
		queues:   make([]chan *domain.DecisionRecord, cfg.Workers),
		stopped:  make(chan struct{}),
		failures: make(map[string]uint64),
	}
	for i := range d.queues {
		d.queues[i] = make(chan *domain.DecisionRecord, cfg.QueueSize)
	}
	return d
}

// Start launches the routing loop and delivery workers. They exit once the
// feed subscription is closed by Stop or by closing the feed, after draining
// what was already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	for i := range d.queues {
		d.wg.Add(1)
		go d.deliver(ctx, d.queues[i])
	}

	go d.route()

	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name
	}
	d.logger.Info("decision dispatcher started", "workers", len(d.queues), "sinks", names)
}

// route hands feed records to the delivery queues in sequence order. It
// exits when the subscription closes, after a final catch-up.
func (d *Dispatcher) route() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.cfg.CatchUpInterval)
	defer ticker.Stop()

	ch := d.sub.C()
	for ch != nil {
		select {
		case rec, ok := <-ch:
			switch {
			case !ok:
				ch = nil
			case rec.Sequence <= d.cursor:
				// Already routed by a catch-up.
			case rec.Sequence == d.cursor+1:
				d.enqueue(rec)
			default:
				d.catchUp()
			}
		case <-ticker.C:
			if d.feed.Last() > d.cursor {
				d.catchUp()
			}
		}
	}
	d.catchUp()

	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}

// catchUp routes every record after the cursor that the ring still holds.
func (d *Dispatcher) catchUp() {
	for {
		recs, _ := d.feed.Since(d.cursor, catchUpBatch)
		if len(recs) == 0 {
			return
		}
		if gap := recs[0].Sequence - d.cursor - 1; gap > 0 {
			d.lost.Add(gap)
			metrics.DispatcherLostTotal.Add(float64(gap))
			d.logger.Error("decision records aged out before delivery",
				"from_sequence", d.cursor+1,
				"to_sequence", recs[0].Sequence-1,
				"lost", gap,
			)
		}
		for _, rec := range recs {
			d.enqueue(rec)
		}
	}
}

func (d *Dispatcher) enqueue(rec *domain.DecisionRecord) {
	d.queues[syncutil.Shard(rec.Key().String(), len(d.queues))] <- rec
	d.cursor = rec.Sequence
}

func (d *Dispatcher) deliver(ctx context.Context, queue <-chan *domain.DecisionRecord) {
	defer d.wg.Done()
	for rec := range queue {
		for _, s := range d.sinks {
			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SinkTimeout)
			err := s.Emit(sinkCtx, rec)
			cancel()
			if err != nil {
				metrics.SinkErrorsTotal.WithLabelValues(s.Name).Inc()
				d.mu.Lock()
				d.failures[s.Name]++
				d.mu.Unlock()
				d.logger.Error("decision sink failed",
					"sink", s.Name,
					"tenant_id", rec.TenantID,
					"account_id", rec.AccountID,
					"decision_id", rec.ID,
					"error", err,
				)
			}
		}
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

// Stop closes the feed subscription and waits for queued records to be delivered.
func (d *Dispatcher) Stop() {
	d.sub.Close()
	if !d.started.Load() {
		return
	}
	<-d.stopped
	d.logger.Info("decision dispatcher stopped",
		"delivered", d.Delivered(),
		"recovered", d.sub.Dropped(),
		"lost", d.Lost(),
	)
}

// Delivered returns how many records went through every sink.
func (d *Dispatcher) Delivered() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Failures returns per-sink failure counts.
func (d *Dispatcher) Failures() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64, len(d.failures))
	for k, v := range d.failures {
		out[k] = v
	}
	return out
}

// Dropped returns how many records the feed subscription dropped. The
// dispatcher reads them back from the ring unless they are counted by Lost.
func (d *Dispatcher) Dropped() uint64 {
	return d.sub.Dropped()
}

// Lost returns how many records aged out of the feed before they were routed.
func (d *Dispatcher) Lost() uint64 {
	return d.lost.Load()
}
