package domain

import (
	"context"
)

// EventBus carries ingested trial events and emitted decisions between processes.
// Backed by Go channels (single node) or NATS (multi node).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. tenantID may be AllTenants
	// to receive the topic for every tenant.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AllTenants subscribes to a topic across tenants. It cannot be published to.
const AllTenants = "*"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the bus envelope.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "none"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances subscriptions across nodes when set.
	NATSQueueGroup string `yaml:"nats_queue_group"`
}

// Topic names of the decision pipeline.
const (
	// TopicEventIngested carries JSON-encoded Events (or arrays of them) to the worker.
	TopicEventIngested = "trialguard.event.ingested"

	// TopicDecision carries every emitted DecisionRecord.
	TopicDecision = "trialguard.decision"

	// TopicBlocked carries only BLOCK and FLAG decisions.
	TopicBlocked = "trialguard.decision.blocked"
)
