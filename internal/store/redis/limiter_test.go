package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestLoginLimiter_FixedWindow(t *testing.T) {
	client, server := newTestRedis(t)
	limiter := NewLoginLimiter(client, 3, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 15, 0, time.UTC)

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "198.51.100.1", now)
		require.NoError(t, err)
		assert.True(t, allowed, "hit %d", i+1)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "198.51.100.1", now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 45*time.Second, retryAfter)

	allowed, _, err = limiter.Allow(ctx, "198.51.100.2", now)
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per IP")

	key := "auth:login_rate:198.51.100.1:" + "1772355600"
	ttl := server.TTL(key)
	assert.True(t, ttl > 0 && ttl <= 61*time.Second, "ttl %v", ttl)

	allowed, _, err = limiter.Allow(ctx, "198.51.100.1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, allowed, "a new window starts fresh")
}

func TestLoginLimiter_BackendDown(t *testing.T) {
	client, server := newTestRedis(t)
	limiter := NewLoginLimiter(client, 3, time.Minute)
	server.Close()

	_, _, err := limiter.Allow(context.Background(), "198.51.100.1", time.Now())
	require.Error(t, err)
}
