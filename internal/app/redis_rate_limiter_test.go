package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedisRateLimiter(client, "test:", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "transfers", "42")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "transfers", "42")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)

	// Other subjects have their own window.
	allowed, _, err = limiter.Allow(ctx, "transfers", "43")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.True(t, mr.Exists("test:rate_limit:transfers:42"))

	mr.FastForward(time.Minute + time.Second)
	allowed, _, err = limiter.Allow(ctx, "transfers", "42")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiterDisabled(t *testing.T) {
	tests := []struct {
		name    string
		limiter *RedisRateLimiter
	}{
		{name: "nil limiter"},
		{name: "no client", limiter: NewRedisRateLimiter(nil, "", 1, time.Minute)},
		{name: "no limit", limiter: NewRedisRateLimiter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "", 0, time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, retryAfter, err := tt.limiter.Allow(context.Background(), "transfers", "1")
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Zero(t, retryAfter)
		})
	}
}
