// Package quota defines the counter store behind the rate limiter.
package quota

import (
	"context"
	"time"
)

// Store is an atomic counter keyed by window bucket.
//
// Increment adds amount to key and returns the post-increment value. The ttl is
// applied when the key is created and never extended afterwards, so a bucket
// expires at most ttl after its first write. Get returns 0 for an absent key.
// Both operations must be linearizable per key across every process that
// shares the store.
type Store interface {
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}
