package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) *IngressLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIngressLimiter(client, capacity, refill, time.Hour)
}

func TestBucketExhaustsAtCapacity(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 2, 0)

	allowed, tokens, err := limiter.Allow(ctx, "shop1.example.com")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 1, tokens, 0.01)

	allowed, _, err = limiter.Allow(ctx, "shop1.example.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, tokens, err = limiter.Allow(ctx, "shop1.example.com")
	require.NoError(t, err)
	assert.False(t, allowed, "third request must be rejected at capacity 2")
	assert.Less(t, tokens, 1.0)
}

func TestBucketsAreIsolatedPerShop(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 1, 0)

	allowed, _, err := limiter.Allow(ctx, "shop1.example.com")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "shop1.example.com")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "shop2.example.com")
	require.NoError(t, err)
	assert.True(t, allowed, "another shop's bucket is independent")
}
