package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// RedisEventBus implements EventBus over Redis pub/sub. It is the default
// backend because the execution plane already requires Redis for queue slots
// and locks, so events need no extra infrastructure.
type RedisEventBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	valid  bool
	mu     sync.Mutex
}

// Unsubscribe stops the receive loop and closes the pubsub connection.
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return nil
	}
	s.valid = false
	s.cancel()
	return s.pubsub.Close()
}

// IsValid returns whether the subscription is still active.
func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// NewRedisEventBus creates an event bus over an existing Redis client.
func NewRedisEventBus(client *redis.Client, log *logger.Logger) *RedisEventBus {
	return &RedisEventBus{
		client: client,
		logger: log,
	}
}

// Publish sends an event to a channel as a JSON line.
func (b *RedisEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe starts a receive loop on the channel and dispatches to handler.
func (b *RedisEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, subject)

	// Force the subscription onto the wire before returning so publishes
	// immediately after Subscribe are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, valid: true}
	b.subs = append(b.subs, sub)

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error("failed to unmarshal event",
					zap.String("subject", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			if err := handler(ctx, &event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", msg.Channel),
					zap.String("event_id", event.ID),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}
	}()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close unsubscribes everything. The Redis client is shared and not closed here.
func (b *RedisEventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// IsConnected pings the backing client.
func (b *RedisEventBus) IsConnected() bool {
	return b.client.Ping(context.Background()).Err() == nil
}
