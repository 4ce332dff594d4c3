// Package worker connects the engine to the event bus. Worker consumes
// ingested events; Dispatcher fans emitted decisions out to the sinks.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/engine"
	"github.com/opensource-finance/trialguard/internal/metrics"
)

// Evaluator is the part of the engine the worker drives.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, events []domain.Event) []engine.BatchResult
}

// Worker evaluates events published on the ingestion topic.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits consumption to these tenants. Empty consumes every tenant.
	TenantIDs []string
}

// NewWorker creates a worker. A nil logger uses slog.Default().
func NewWorker(bus domain.EventBus, evaluator Evaluator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEventIngested, w.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", tenantID, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("ingestion worker started",
		"topic", domain.TopicEventIngested,
		"tenants", tenants,
	)
	return nil
}

// handleMessage evaluates one bus message carrying an event or an array of events.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	events, err := DecodeEvents(msg.Payload)
	if err != nil {
		metrics.BusMessagesTotal.WithLabelValues("invalid").Inc()
		w.logger.Warn("failed to parse ingested events",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"error", err,
		)
		return err
	}

	// The bus tenant is authoritative; events naming another tenant are dropped.
	valid := events[:0]
	for _, ev := range events {
		if ev.TenantID == "" {
			ev.TenantID = msg.TenantID
		}
		if ev.TenantID != msg.TenantID {
			w.logger.Warn("dropping event for foreign tenant",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"event_tenant_id", ev.TenantID,
			)
			continue
		}
		valid = append(valid, ev)
	}

	results := w.evaluator.EvaluateBatch(ctx, valid)

	failed := 0
	for i, res := range results {
		if res.Err != nil {
			failed++
			w.logger.Debug("event rejected",
				"tenant_id", msg.TenantID,
				"account_id", valid[i].AccountID,
				"error", res.Err,
			)
		}
	}

	result := "ok"
	switch {
	case len(valid) == 0 || failed == len(results):
		result = "rejected"
	case failed > 0:
		result = "partial"
	}
	metrics.BusMessagesTotal.WithLabelValues(result).Inc()

	w.logger.Debug("ingested events processed",
		"message_id", msg.ID,
		"tenant_id", msg.TenantID,
		"events", len(valid),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// DecodeEvents parses a JSON event or a JSON array of events.
func DecodeEvents(payload []byte) ([]domain.Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrInvalidEvent)
	}

	if trimmed[0] == '[' {
		var events []domain.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		return events, nil
	}

	var ev domain.Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	return []domain.Event{ev}, nil
}

// Stop unsubscribes and cancels in-flight evaluations.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("ingestion worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
