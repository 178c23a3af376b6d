package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans command events out across control-plane replicas through a
// Redis pub/sub channel, so a command issued on one instance reaches the
// node manager holding the target node's heartbeat session.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(addr, password string, db int, channel string, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisBus{client: client, channel: channel, logger: logger}, nil
}

// PublishCommand publishes the event to the command channel.
func (b *RedisBus) PublishCommand(ctx context.Context, ev CommandForDatanode) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode command event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish command event: %w", err)
	}
	return nil
}

// SubscribeCommands consumes the command channel until ctx is cancelled,
// invoking the handler for every decodable event. Undecodable payloads are
// logged and skipped so one bad publisher cannot stall command delivery.
func (b *RedisBus) SubscribeCommands(ctx context.Context, handler Handler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to command channel: %w", err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev CommandForDatanode
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Error("Failed to decode command event",
						zap.String("channel", b.channel),
						zap.Error(err))
					continue
				}
				handler(ctx, ev)
			}
		}
	}()

	return nil
}

// Close tears down subscriptions and the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	b.pubsubs = nil
	return b.client.Close()
}
