// Package events implements the EventBus capability (§6): an in-memory
// goroutine-per-subscriber fan-out bus (tests, bootstrap CLI) and a Redis Pub/Sub
// bus (go-redis/v9) for multi-instance deployments. Grounded on the
// teacher's pkg/interfaces/events.go EventRepository shape, generalized
// from an append-only sequence log to at-least-once pub/sub fan-out across
// agent.events / transaction.events / global.events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oxford22/guthwine/pkg/contracts"
)

// Subscriber receives events published to a channel it subscribed to.
type Subscriber func(ctx context.Context, channel string, event map[string]interface{})

// MemoryBus fans out published events to in-process subscribers, starting
// one goroutine per subscriber per event; a slow or absent subscriber never
// blocks Publish.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
}

// NewMemoryBus builds an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string][]Subscriber)}
}

// Subscribe registers fn to be invoked (in its own goroutine) on every
// event published to channel.
func (b *MemoryBus) Subscribe(channel string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, event map[string]interface{}) error {
	b.mu.RLock()
	subs := append([]Subscriber{}, b.subscribers[channel]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		go fn(ctx, channel, event)
	}
	return nil
}

var _ contracts.EventBus = (*MemoryBus)(nil)

// RedisBus publishes to Redis Pub/Sub channels for cross-instance fan-out.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an already-constructed redis.Client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event map[string]interface{}) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

var _ contracts.EventBus = (*RedisBus)(nil)
