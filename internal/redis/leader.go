package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a lease-based lock so only one instance runs a periodic job.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewLeader creates a leader lock on key. ttl should exceed the interval at
// which Acquire is called, otherwise leadership lapses between ticks.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) *Leader {
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

// Acquire attempts SETNX; returns true if this instance is the leader. A
// current leader renews its lease.
func (l *Leader) Acquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired leadership",
			slog.String("key", l.key),
			slog.String("instance_id", l.instanceID),
		)
		return true
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Release gives up leadership if this instance holds it.
func (l *Leader) Release(ctx context.Context) {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("leader release", slog.String("error", err.Error()))
	}
}
