package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"directory-auth/internal/store"
)

const defaultKeyPrefix = "auth:login_rate"

// Connect parses url, builds a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// LoginLimiter counts login hits per IP in fixed windows. Each window has its
// own key which expires shortly after the window closes.
type LoginLimiter struct {
	client  redis.Cmdable
	prefix  string
	maxHits int
	window  time.Duration
}

func NewLoginLimiter(client redis.Cmdable, maxHits int, window time.Duration) *LoginLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window < time.Second {
		window = time.Minute
	}
	return &LoginLimiter{client: client, prefix: defaultKeyPrefix, maxHits: maxHits, window: window}
}

func (l *LoginLimiter) Allow(ctx context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, ip, windowStart.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window+time.Second)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("increment login rate key: %w", err)
	}

	if incr.Val() <= int64(l.maxHits) {
		return true, 0, nil
	}

	return false, store.RetryAfter(windowStart, l.window, now), nil
}
