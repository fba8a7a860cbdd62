package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client)
	ctx := context.Background()
	policy := Policy{Rate: 0.01, Burst: 2}

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "login:10.0.0.1", policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := bucket.Allow(ctx, "login:10.0.0.1", policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.True(t, mr.Exists("minipass:ratelimit:login:10.0.0.1"))

	res, err = bucket.Allow(ctx, "login:10.0.0.2", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRejectsEmptyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewTokenBucket(client).Allow(context.Background(), "", PerMinute(5))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestLocalRefillsOverTime(t *testing.T) {
	limiter := NewLocal()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	policy := PerMinute(2)

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "checkout:10.0.0.1", policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "checkout:10.0.0.1", policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, float64(30*time.Second), float64(res.RetryAfter), float64(time.Millisecond))

	now = now.Add(31 * time.Second)
	res, err = limiter.Allow(ctx, "checkout:10.0.0.1", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLocalDropsStaleKeys(t *testing.T) {
	limiter := NewLocal()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	_, err := limiter.Allow(context.Background(), "a", PerMinute(1))
	require.NoError(t, err)
	require.Len(t, limiter.entries, 1)

	now = now.Add(staleAfter + time.Minute)
	_, err = limiter.Allow(context.Background(), "b", PerMinute(1))
	require.NoError(t, err)
	assert.Len(t, limiter.entries, 1)
	assert.Contains(t, limiter.entries, "b")
}
