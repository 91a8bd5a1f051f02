package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/quota"
	"github.com/ramiqadoumi/genflow/internal/ratelimit"
	"github.com/ramiqadoumi/genflow/pkg/retry"
)

func policies(failOpenExport bool) map[domain.Category]ratelimit.Policy {
	return map[domain.Category]ratelimit.Policy{
		domain.CategoryGeneration: {Limit: domain.LimitSpec{Max: 5, Window: time.Minute}},
		domain.CategoryRefinement: {Limit: domain.LimitSpec{Max: 10, Window: time.Minute}},
		domain.CategoryExport:     {Limit: domain.LimitSpec{Max: 2, Window: time.Hour}, FailOpen: failOpenExport},
	}
}

func newGuard(t *testing.T, store quota.Store, clk *fakeClock, failOpenExport bool) *ratelimit.Guard {
	t.Helper()
	l := ratelimit.NewLimiter(store,
		ratelimit.WithClock(clk.Now),
		ratelimit.WithLogger(discardLogger()),
		ratelimit.WithRetry(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)
	g, err := ratelimit.NewGuard(l, ratelimit.DefaultResolver(), policies(failOpenExport), discardLogger())
	require.NoError(t, err)
	return g
}

func TestNewGuard_RequiresPolicyForEveryCategory(t *testing.T) {
	p := policies(false)
	delete(p, domain.CategoryExport)
	_, err := ratelimit.NewGuard(ratelimit.NewLimiter(quota.NewMemory(nil)), ratelimit.DefaultResolver(), p, discardLogger())
	assert.Error(t, err)

	p = policies(false)
	p[domain.CategoryGeneration] = ratelimit.Policy{Limit: domain.LimitSpec{Max: 0, Window: time.Minute}}
	_, err = ratelimit.NewGuard(ratelimit.NewLimiter(quota.NewMemory(nil)), ratelimit.DefaultResolver(), p, discardLogger())
	assert.Error(t, err)
}

func TestGuard_SVGAndRasterExportsShareOneQuota(t *testing.T) {
	clk := newClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g := newGuard(t, quota.NewMemory(clk.Now), clk, false)
	ctx := context.Background()

	_, err := g.Admit(ctx, "alice", "POST /api/v1/exports/svg")
	require.NoError(t, err)
	_, err = g.Admit(ctx, "alice", "POST /api/v1/exports/png")
	require.NoError(t, err)

	d, err := g.Admit(ctx, "alice", "POST /api/v1/exports/svg")
	var exceeded *domain.LimitExceededError
	require.True(t, errors.As(err, &exceeded), "third export of any format must be denied, got %v", err)
	assert.Equal(t, domain.CategoryExport, d.Category)
	assert.Equal(t, d, exceeded.Decision)
	assert.False(t, exceeded.Decision.ResetAt.IsZero())
}

func TestGuard_UnknownAction(t *testing.T) {
	clk := newClock(time.Now())
	g := newGuard(t, quota.NewMemory(nil), clk, false)

	_, err := g.Admit(context.Background(), "alice", "DELETE /api/v1/tasks/1")
	var unknown *domain.UnknownActionError
	assert.True(t, errors.As(err, &unknown))
}

func TestGuard_FailOpenCategoryIsDegraded(t *testing.T) {
	clk := newClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := &flakyStore{inner: quota.NewMemory(nil), failures: 100}
	g := newGuard(t, store, clk, true)

	d, err := g.Admit(context.Background(), "alice", "POST /api/v1/exports/svg")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, domain.CategoryExport, d.Category)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestGuard_FailClosedCategoryReturnsUnavailable(t *testing.T) {
	clk := newClock(time.Now())
	store := &flakyStore{inner: quota.NewMemory(nil), failures: 100}
	g := newGuard(t, store, clk, true)

	_, err := g.Admit(context.Background(), "alice", "POST /api/v1/generations")
	var unavailable *domain.BackendUnavailableError
	assert.True(t, errors.As(err, &unavailable), "generation fails closed, got %v", err)
}

func TestGuard_SnapshotConsumesNothing(t *testing.T) {
	clk := newClock(time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	g := newGuard(t, quota.NewMemory(clk.Now), clk, false)
	ctx := context.Background()

	_, err := g.Admit(ctx, "alice", "POST /api/v1/generations")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snap, err := g.Snapshot(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, snap, 3)
		assert.EqualValues(t, 4, snap[domain.CategoryGeneration].Remaining)
		assert.EqualValues(t, 10, snap[domain.CategoryRefinement].Remaining)
		assert.EqualValues(t, 2, snap[domain.CategoryExport].Limit)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), snap[domain.CategoryGeneration].ResetAt)
	}
}

func TestGuard_SnapshotUnavailable(t *testing.T) {
	clk := newClock(time.Now())
	g := newGuard(t, &flakyStore{inner: quota.NewMemory(nil), failures: 100}, clk, true)

	_, err := g.Snapshot(context.Background(), "alice")
	var unavailable *domain.BackendUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}
