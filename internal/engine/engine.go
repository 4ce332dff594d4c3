// Package engine turns trial-activity events into decisions. It owns the
// per-account lock, drives the fingerprint tracker and drain monitor, scores
// the result and appends one DecisionRecord to the feed per event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/drain"
	"github.com/opensource-finance/trialguard/internal/fingerprint"
	"github.com/opensource-finance/trialguard/internal/metrics"
	"github.com/opensource-finance/trialguard/internal/rules"
	"github.com/opensource-finance/trialguard/internal/scoring"
	"github.com/opensource-finance/trialguard/internal/syncutil"
	"github.com/opensource-finance/trialguard/internal/telemetry"
	"github.com/opensource-finance/trialguard/internal/tenantcfg"
)

const tracerName = "github.com/opensource-finance/trialguard/internal/engine"

const shardCount = 64

// ConfigSource returns the active tenant configuration snapshot.
type ConfigSource interface {
	Get(tenantID string) (*tenantcfg.Snapshot, error)
}

// Publisher receives each record as it is produced. It must not block.
type Publisher interface {
	Append(rec *domain.DecisionRecord) uint64
}

// Options tunes an Engine.
type Options struct {
	// MaxAccounts caps tracked accounts. Excess accounts are evicted, least
	// recently seen first, by the next Sweep. 0 means unlimited.
	MaxAccounts int

	// BatchWorkers bounds how many accounts EvaluateBatch processes at once.
	BatchWorkers int

	Logger *slog.Logger

	// Clock stamps EvaluatedAt. Defaults to time.Now.
	Clock func() time.Time
}

// account is the engine-owned part of an account's state. Fields are written
// under both the per-account lock and the shard lock, and read under the shard lock.
type account struct {
	firstSeen   time.Time
	lastSeen    time.Time
	points      float64
	signups     uint64
	conversions uint64
	evaluations uint64
	last        *domain.DecisionRecord
}

type accountShard struct {
	mu       sync.Mutex
	accounts map[domain.Key]*account
}

// Engine is the decision engine. It is safe for concurrent use.
type Engine struct {
	configs ConfigSource
	feed    Publisher
	tracker *fingerprint.Tracker
	monitor *drain.Monitor
	locks   *syncutil.KeyedMutex
	shards  [shardCount]accountShard
	count   atomic.Int64

	maxAccounts  int
	batchWorkers int
	logger       *slog.Logger
	now          func() time.Time
	tracer       trace.Tracer
}

// New creates an engine reading configuration from configs and publishing to feed.
func New(configs ConfigSource, feed Publisher, opts Options) *Engine {
	e := &Engine{
		configs:      configs,
		feed:         feed,
		tracker:      fingerprint.NewTracker(),
		monitor:      drain.NewMonitor(),
		locks:        syncutil.NewKeyedMutex(),
		maxAccounts:  opts.MaxAccounts,
		batchWorkers: opts.BatchWorkers,
		logger:       opts.Logger,
		now:          opts.Clock,
		tracer:       otel.Tracer(tracerName),
	}
	if e.batchWorkers <= 0 {
		e.batchWorkers = 8
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	for i := range e.shards {
		e.shards[i].accounts = make(map[domain.Key]*account)
	}
	return e
}

func (e *Engine) shard(key domain.Key) *accountShard {
	return &e.shards[syncutil.Shard(key.String(), shardCount)]
}

// Evaluate processes one event and returns its decision. On error no state
// is changed and no record is emitted.
func (e *Engine) Evaluate(ctx context.Context, ev domain.Event) (*domain.DecisionRecord, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		telemetry.Tenant(ev.TenantID),
		telemetry.Account(ev.AccountID),
		telemetry.EventKind(ev.Kind),
	))
	defer span.End()

	rec, err := e.evaluate(ctx, &ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.EvaluationErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}

	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(telemetry.Disposition(rec.Disposition))
	return rec, nil
}

func (e *Engine) evaluate(ctx context.Context, ev *domain.Event) (*domain.DecisionRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	snap, err := e.configs.Get(ev.TenantID)
	if err != nil {
		return nil, err
	}
	cfg := snap.Config
	key := ev.Key()

	unlock, err := e.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.check(key, ev.Timestamp); err != nil {
		return nil, err
	}

	if ev.Kind == domain.KindTrialRestart {
		if e.evict(key) {
			metrics.EvictedAccountsTotal.WithLabelValues("restart").Inc()
		}
	}

	fp, err := e.tracker.Update(key, ev, cfg)
	if err != nil {
		return nil, err
	}
	dr, err := e.monitor.Update(key, ev, cfg)
	if err != nil {
		return nil, err
	}

	s := e.shard(key)
	s.mu.Lock()
	acct, ok := s.accounts[key]
	cold := !ok
	if cold {
		acct = &account{firstSeen: ev.Timestamp}
		s.accounts[key] = acct
		metrics.TrackedAccounts.Set(float64(e.count.Add(1)))
	}
	acct.lastSeen = ev.Timestamp
	acct.evaluations++
	weight := ev.Float(domain.AttrWeight, 1)
	switch ev.Kind {
	case domain.KindSignupSignal:
		acct.points += cfg.Conversion.SignupWeight * weight
		acct.signups++
	case domain.KindConversionSignal:
		acct.points += cfg.Conversion.ConversionWeight * weight
		acct.conversions++
	}
	conversion := scoring.EstimateConversion(acct.points, cfg.Conversion.HalfSaturation)
	s.mu.Unlock()

	sub := domain.SubScores{
		Abuse:      scoring.Clamp01(fp.Score),
		Cost:       scoring.Clamp01(dr.Cost),
		Conversion: scoring.Clamp01(conversion),
	}
	roi := scoring.Score(sub.Abuse, sub.Cost, sub.Conversion, cfg.Weights)
	disposition := scoring.Disposition(roi, cfg.Thresholds)

	if dr.Anomaly != nil {
		metrics.ResourceAnomaliesTotal.WithLabelValues(ev.TenantID).Inc()
		e.logger.Warn("resource anomaly",
			"tenant_id", ev.TenantID,
			"account_id", ev.AccountID,
			"event_id", ev.ID,
			"error", dr.Anomaly,
		)
	}

	fpState, _ := e.tracker.Snapshot(key)
	drState, _ := e.monitor.Snapshot(key)
	reasons := e.reasons(snap, reasonInput{
		cold:  cold,
		sub:   sub,
		fp:    fp,
		dr:    dr,
		rules: &rules.Input{
			Abuse:       sub.Abuse,
			Cost:        sub.Cost,
			Conversion:  sub.Conversion,
			ROI:         roi,
			Disposition: disposition,
			Kind:        ev.Kind,
			ColdStart:   cold,
			Burst:       fp.Burst,
			Repeated:    fp.Repeated,
			Window:      fp.Window,
			Sessions:    fpState.Sessions,
			Held:        dr.Held,
			Claims:      drState.Claims,
			Anomalies:   drState.Anomalies,
			Attributes:  ev.Attributes,
		},
	}, disposition)

	rec := &domain.DecisionRecord{
		ID:            uuid.NewString(),
		TenantID:      ev.TenantID,
		AccountID:     ev.AccountID,
		EventID:       ev.ID,
		EventKind:     ev.Kind,
		Resource:      ev.Attr(domain.AttrResource),
		Timestamp:     ev.Timestamp,
		SubScores:     sub,
		ROI:           roi,
		Disposition:   disposition,
		Reasons:       reasons,
		ConfigVersion: cfg.Version,
		ColdStart:     cold,
		EvaluatedAt:   e.now().UTC(),
	}

	// Append runs under the account lock so an account's records take
	// sequences in evaluation order. It is the only step shared by all
	// accounts: one ring write plus non-blocking channel sends.
	if e.feed != nil {
		e.feed.Append(rec)
	}

	s.mu.Lock()
	acct.last = rec
	s.mu.Unlock()

	e.logger.Debug("decision",
		"tenant_id", rec.TenantID,
		"account_id", rec.AccountID,
		"kind", rec.EventKind,
		"disposition", rec.Disposition,
		"roi", rec.ROI,
	)
	return rec, nil
}

// check rejects timestamps older than anything recorded for key.
func (e *Engine) check(key domain.Key, at time.Time) error {
	if err := e.tracker.Check(key, at); err != nil {
		return err
	}
	if err := e.monitor.Check(key, at); err != nil {
		return err
	}
	s := e.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[key]; ok && at.Before(a.lastSeen) {
		return fmt.Errorf("%w: %s last seen %s", domain.ErrOutOfOrderEvent, key, a.lastSeen.Format(time.RFC3339Nano))
	}
	return nil
}

type reasonInput struct {
	cold  bool
	sub   domain.SubScores
	fp    fingerprint.Result
	dr    drain.Result
	rules *rules.Input
}

// reasons lists reason codes in their fixed order, then tenant rule codes.
func (e *Engine) reasons(snap *tenantcfg.Snapshot, in reasonInput, d domain.Disposition) []string {
	alerts := snap.Config.Alerts
	reasons := make([]string, 0, 4)
	if in.cold {
		reasons = append(reasons, domain.ReasonColdStart)
	}
	if in.sub.Abuse >= alerts.Abuse {
		reasons = append(reasons, domain.ReasonHighAbuse)
	}
	if in.fp.Burst {
		reasons = append(reasons, domain.ReasonRequestBurst)
	}
	if in.fp.Repeated {
		reasons = append(reasons, domain.ReasonRepeatedSignature)
	}
	if in.sub.Cost >= alerts.Cost {
		reasons = append(reasons, domain.ReasonHighClaimRate)
	}
	if in.dr.OverConcurrency {
		reasons = append(reasons, domain.ReasonConcurrentClaims)
	}
	if in.dr.Anomaly != nil {
		reasons = append(reasons, domain.ReasonResourceAnomaly)
	}
	if in.sub.Conversion >= alerts.Conversion {
		reasons = append(reasons, domain.ReasonConversionIntent)
	}

	for _, code := range snap.Rules.Evaluate(in.rules) {
		if !contains(reasons, code) {
			reasons = append(reasons, code)
		}
	}

	if len(reasons) == 0 && d == domain.DispositionAllow {
		reasons = append(reasons, domain.ReasonNormalBehavior)
	}
	return reasons
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// evict drops every piece of rolling state for key. Callers hold the account lock.
func (e *Engine) evict(key domain.Key) bool {
	e.tracker.Evict(key)
	e.monitor.Evict(key)

	s := e.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; !ok {
		return false
	}
	delete(s.accounts, key)
	metrics.TrackedAccounts.Set(float64(e.count.Add(-1)))
	return true
}

// Len returns the number of tracked accounts.
func (e *Engine) Len() int {
	return int(e.count.Load())
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, domain.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, domain.ErrOutOfOrderEvent):
		return "out_of_order"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
