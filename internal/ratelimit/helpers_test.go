package ratelimit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/genflow/internal/quota"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// flakyStore fails the first failures calls, then delegates.
type flakyStore struct {
	inner    quota.Store
	failures int32
	calls    atomic.Int32
}

var errStoreDown = errors.New("dial tcp 10.0.0.7:6379: connection refused")

func (s *flakyStore) fail() bool {
	return s.calls.Add(1) <= s.failures
}

func (s *flakyStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if s.fail() {
		return 0, errStoreDown
	}
	return s.inner.Increment(ctx, key, amount, ttl)
}

func (s *flakyStore) Get(ctx context.Context, key string) (int64, error) {
	if s.fail() {
		return 0, errStoreDown
	}
	return s.inner.Get(ctx, key)
}

func (s *flakyStore) Ping(context.Context) error { return nil }

var _ quota.Store = (*flakyStore)(nil)

// recordingStore remembers every key it sees.
type recordingStore struct {
	*quota.Memory
	mu   sync.Mutex
	keys []string
}

func (s *recordingStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return s.Memory.Increment(ctx, key, amount, ttl)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
