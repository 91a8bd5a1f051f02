package quota_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/internal/quota"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemory_IncrementReturnsPostValue(t *testing.T) {
	m := quota.NewMemory(nil)
	ctx := context.Background()

	n, err := m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.Increment(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)
}

func TestMemory_GetMissingIsZero(t *testing.T) {
	got, err := quota.NewMemory(nil).Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestMemory_ExpiresAfterTTLWithoutExtension(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := quota.NewMemory(clk.Now)
	ctx := context.Background()

	_, _ = m.Increment(ctx, "k", 1, time.Minute)
	clk.Advance(50 * time.Second)
	_, _ = m.Increment(ctx, "k", 1, time.Minute)
	clk.Advance(11 * time.Second)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, got, "later increments must not extend the ttl")
	assert.Zero(t, m.Len())
}

func TestMemory_ConcurrentIncrements(t *testing.T) {
	m := quota.NewMemory(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Increment(ctx, "k", 1, time.Minute)
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, "k")
	assert.EqualValues(t, 200, got)
}

type brokenStore struct{ err error }

func (b brokenStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, b.err
}
func (b brokenStore) Get(context.Context, string) (int64, error) { return 0, b.err }
func (b brokenStore) Ping(context.Context) error                 { return b.err }

var _ quota.Store = brokenStore{}
var _ quota.Store = (*quota.Memory)(nil)
var _ quota.Store = (*quota.Failover)(nil)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFailover_UsesSecondaryWhenPrimaryFails(t *testing.T) {
	secondary := quota.NewMemory(nil)
	f := quota.NewFailover(brokenStore{err: errors.New("connection refused")}, secondary, discardLogger())
	ctx := context.Background()

	n, err := f.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
	require.NoError(t, f.Ping(ctx))
}

func TestFailover_PrefersPrimary(t *testing.T) {
	primary := quota.NewMemory(nil)
	secondary := quota.NewMemory(nil)
	f := quota.NewFailover(primary, secondary, discardLogger())

	_, err := f.Increment(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Len())
	assert.Zero(t, secondary.Len())
}

func TestFailover_BothDown(t *testing.T) {
	e1, e2 := errors.New("redis down"), errors.New("postgres down")
	f := quota.NewFailover(brokenStore{err: e1}, brokenStore{err: e2}, discardLogger())

	_, err := f.Increment(context.Background(), "k", 1, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Error(t, f.Ping(context.Background()))
}
