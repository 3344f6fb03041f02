package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// publishTimeout bounds every bus publish call
const publishTimeout = 10 * time.Second

// Bus is the cross-process pub/sub channel the relay fans events out on.
// Delivery is at-most-once; subscribers tolerate loss and reordering
// across aggregates.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// RedisBus implements Bus on one Redis channel per deployment
type RedisBus struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
}

// RedisConfig holds the bus connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisBus{client: client, channel: cfg.Channel}, nil
}

// Publish sends one JSON-encoded event envelope to the channel
func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe returns a channel yielding raw message payloads
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan string, error) {
	b.pubsub = b.client.Subscribe(ctx, b.channel)
	// Force the subscription to be established before returning
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range b.pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close tears down the subscription and the client
func (b *RedisBus) Close() error {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.client.Close()
}
