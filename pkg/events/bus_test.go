package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	received := make(chan map[string]interface{}, 1)

	bus.Subscribe("agent.events", func(ctx context.Context, channel string, event map[string]interface{}) {
		received <- event
	})

	require.NoError(t, bus.Publish(context.Background(), "agent.events", map[string]interface{}{"type": "agent.frozen"}))

	select {
	case event := <-received:
		assert.Equal(t, "agent.frozen", event["type"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		bus.Subscribe("transaction.events", func(ctx context.Context, channel string, event map[string]interface{}) {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		})
	}

	require.NoError(t, bus.Publish(context.Background(), "transaction.events", map[string]interface{}{"type": "transaction.approved"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all subscribers")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestPublish_IgnoresUnsubscribedChannel(t *testing.T) {
	bus := NewMemoryBus()
	bus.Subscribe("agent.events", func(ctx context.Context, channel string, event map[string]interface{}) {
		t.Fatal("should never be invoked")
	})

	require.NoError(t, bus.Publish(context.Background(), "global.events", map[string]interface{}{"type": "x"}))
	time.Sleep(10 * time.Millisecond)
}

func TestPublish_DoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	bus.Subscribe("agent.events", func(ctx context.Context, channel string, event map[string]interface{}) {
		time.Sleep(200 * time.Millisecond)
	})

	start := time.Now()
	require.NoError(t, bus.Publish(context.Background(), "agent.events", map[string]interface{}{"type": "x"}))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
