package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a fixed-window counter shared across processes. Windows are
// keyed by their start instant so a restart never widens the budget.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow increments the key's counter for the current window and admits the
// request while the counter stays at or under the limit.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, dur time.Duration) (Result, error) {
	now := time.Now()
	start := now.Truncate(dur)
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())

	pipe := s.client.TxPipeline()
	count := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, dur+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("count request for %s: %w", key, err)
	}

	n := int(count.Val())
	res := Result{
		Allowed: n <= limit,
		ResetAt: start.Add(dur),
	}
	if res.Allowed {
		res.Remaining = limit - n
	}
	return res, nil
}
