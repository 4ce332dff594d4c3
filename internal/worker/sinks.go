package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/metrics"
)

// Sink is a named decision sink. Name labels sink error metrics.
type Sink struct {
	Name string
	domain.DecisionSink
}

// SinkFunc adapts a function to domain.DecisionSink.
type SinkFunc func(ctx context.Context, rec *domain.DecisionRecord) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec *domain.DecisionRecord) error {
	return f(ctx, rec)
}

// RepositorySink stores every record durably.
func RepositorySink(repo domain.Repository) Sink {
	return Sink{Name: "repository", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		return repo.SaveDecision(ctx, rec.TenantID, rec)
	})}
}

// CacheSink keeps the latest decision per account.
func CacheSink(cache domain.Cache, ttl time.Duration) Sink {
	return Sink{Name: "cache", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		return cache.SetLatestDecision(ctx, rec, ttl)
	})}
}

// BusSink publishes every record on the decision topic, and BLOCK and FLAG
// records on the blocked topic as well.
func BusSink(bus domain.EventBus) Sink {
	return Sink{Name: "bus", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode decision: %w", err)
		}
		if err := bus.Publish(ctx, rec.TenantID, domain.TopicDecision, payload); err != nil {
			return err
		}
		if rec.Disposition == domain.DispositionBlock || rec.Disposition == domain.DispositionFlag {
			return bus.Publish(ctx, rec.TenantID, domain.TopicBlocked, payload)
		}
		return nil
	})}
}

// Broadcaster is satisfied by the realtime hub.
type Broadcaster interface {
	Broadcast(rec *domain.DecisionRecord)
}

// StreamSink pushes records to live stream clients.
func StreamSink(b Broadcaster) Sink {
	return Sink{Name: "stream", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		b.Broadcast(rec)
		return nil
	})}
}

// Observer is satisfied by the summary aggregator.
type Observer interface {
	Observe(rec *domain.DecisionRecord)
}

// SummarySink feeds the read-side aggregator.
func SummarySink(o Observer) Sink {
	return Sink{Name: "summary", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		o.Observe(rec)
		return nil
	})}
}

// MetricsSink counts decisions by tenant and disposition.
func MetricsSink() Sink {
	return Sink{Name: "metrics", DecisionSink: SinkFunc(func(ctx context.Context, rec *domain.DecisionRecord) error {
		metrics.DecisionsTotal.WithLabelValues(rec.TenantID, string(rec.Disposition)).Inc()
		return nil
	})}
}
