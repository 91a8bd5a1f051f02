package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a window counter and sets its expiry only when the key
// has none, so the ttl is anchored to the first write of the bucket. Running
// both steps in one script keeps them atomic for every caller.
var incrScript = redis.NewScript(`
	local n = redis.call("INCRBY", KEYS[1], ARGV[1])
	if redis.call("PTTL", KEYS[1]) < 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return n
`)

// QuotaStore is the shared counter store for the rate limiter.
type QuotaStore struct {
	client *redis.Client
}

// NewQuotaStore wraps client as a quota.Store.
func NewQuotaStore(client *redis.Client) *QuotaStore {
	return &QuotaStore{client: client}
}

func (s *QuotaStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{key}, amount, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr quota: %w", err)
	}
	return n, nil
}

func (s *QuotaStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get quota: %w", err)
	}
	return n, nil
}

func (s *QuotaStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
