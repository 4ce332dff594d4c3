package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// ChannelBus implements EventBus with in-process Go channels.
// Each subscription owns a buffered channel drained by its own goroutine.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string]map[string]*channelSubscription
	closed        bool
	dropped       atomic.Uint64
}

type channelSubscription struct {
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	done    chan struct{}
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string]map[string]*channelSubscription),
	}
}

// Publish delivers a message to the topic's tenant and wildcard subscribers.
// Delivery never blocks; a full subscriber misses the message.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := validatePublish(tenantID); err != nil {
		return err
	}

	msg := newMessage(tenantID, topic, payload)

	// Held across the sends so Close cannot close a channel mid-publish.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, key := range []string{makeKey(tenantID, topic), makeKey(domain.AllTenants, topic)} {
		for _, sub := range b.subscriptions[key] {
			select {
			case sub.msgCh <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := validateSubscribe(tenantID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		key:     makeKey(tenantID, topic),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
		done:    make(chan struct{}),
	}

	if b.subscriptions[sub.key] == nil {
		b.subscriptions[sub.key] = make(map[string]*channelSubscription)
	}
	b.subscriptions[sub.key][sub.id] = sub

	go sub.run()
	return sub, nil
}

// run delivers messages until the subscription is cancelled.
func (s *channelSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			_ = s.handler(s.ctx, msg)
		}
	}
}

// Dropped returns the number of messages missed by full subscribers.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription. Buffered messages not yet handled are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]map[string]*channelSubscription)
	b.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.cancel()
			<-sub.done
		}
	}
	return nil
}

func makeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops delivery and waits for an in-flight handler to return.
// It must not be called from the subscription's own handler.
func (s *channelSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if byID, ok := s.bus.subscriptions[s.key]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(s.bus.subscriptions, s.key)
		}
	}
	s.bus.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
