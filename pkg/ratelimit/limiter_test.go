package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxford22/guthwine/internal/clock"
	"github.com/oxford22/guthwine/pkg/storage"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := storage.NewMemory()
	limiter := NewLimiter(mem, fake, Config{WindowSizeMs: 60_000, MaxAmount: 500, MaxTransactions: 3})
	return limiter, fake
}

func TestCheck_AllowsWithinCaps(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	result, err := limiter.Check(context.Background(), "did:guthwine:agent", 100)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestCheck_DeniesOverAmountCap(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	result, err := limiter.Check(context.Background(), "did:guthwine:agent", 600)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestCheck_IsPureAndDoesNotMutateState(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	_, err := limiter.Check(ctx, "did:guthwine:agent", 100)
	require.NoError(t, err)
	_, err = limiter.Check(ctx, "did:guthwine:agent", 100)
	require.NoError(t, err)

	result, err := limiter.Check(ctx, "did:guthwine:agent", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Count) // never recorded, so still zero
}

func TestRecord_AccumulatesSpendAndCount(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 100))
	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 100))

	result, err := limiter.Check(ctx, "did:guthwine:agent", 0)
	require.NoError(t, err)
	assert.Equal(t, 200.0, result.CurrentSpend)
	assert.Equal(t, 2, result.Count)
}

func TestRecord_DeniesFurtherSpendOverTransactionCap(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 10))
	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 10))
	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 10))

	result, err := limiter.Check(ctx, "did:guthwine:agent", 10)
	require.NoError(t, err)
	assert.False(t, result.Allowed) // would be the 4th transaction, over MaxTransactions
}

func TestRecord_WindowResetsAfterExpiry(t *testing.T) {
	limiter, fake := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Record(ctx, "did:guthwine:agent", 400))
	fake.Advance(2 * time.Minute)

	result, err := limiter.Check(ctx, "did:guthwine:agent", 400)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestRecord_ConcurrentCallsNeverExceedCap(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			_ = limiter.Record(ctx, "did:guthwine:agent", 10)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	result, err := limiter.Check(ctx, "did:guthwine:agent", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, 30.0, result.CurrentSpend)
}
