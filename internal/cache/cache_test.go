package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := New(ctx, client)
	require.IsType(t, &RedisCache{}, c)

	_, err := c.Get(ctx, "tenant:host:a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "tenant:host:a", "payload", time.Minute))
	got, err := c.Get(ctx, "tenant:host:a")
	require.NoError(t, err)
	assert.Equal(t, "payload", got)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "tenant:host:a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNewFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := New(context.Background(), client)
	assert.IsType(t, &MemoryCache{}, c)

	assert.IsType(t, &MemoryCache{}, New(context.Background(), nil))
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
