package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreBurstThenDeny(t *testing.T) {
	store := NewLocalStore()
	now := time.Unix(0, 0)
	store.now = func() time.Time { return now }
	policy := Policy{RPS: 1, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := store.Allow(ctx, "ws:getEntity", policy, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.Allow(ctx, "ws:getEntity", policy, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// Other keys have their own bucket.
	ok, err = store.Allow(ctx, "ws:listEntities", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = store.Allow(ctx, "ws:getEntity", policy, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Evaluate(ctx, nil, "k", Policy{RPS: 1}))
	require.NoError(t, Evaluate(ctx, NewLocalStore(), "k", Policy{}))

	store := NewLocalStore()
	policy := Policy{RPS: 0.001, Burst: 1}
	require.NoError(t, Evaluate(ctx, store, "k", policy))
	err := Evaluate(ctx, store, "k", policy)
	require.True(t, errors.Is(err, ErrRateLimited))
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	policy := Policy{RPS: 1, Burst: 1}
	key := "test-" + time.Now().Format("150405.000000")

	allowed, err := store.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	require.True(t, allowed, "fresh bucket")

	allowed, err = store.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	require.False(t, allowed, "burst exhausted")

	time.Sleep(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, key, policy, 1)
	require.NoError(t, err)
	require.True(t, allowed, "refilled")
}
