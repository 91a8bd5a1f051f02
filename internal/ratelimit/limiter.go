package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/quota"
	"github.com/ramiqadoumi/genflow/pkg/retry"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

// Limiter applies fixed-window counting against a quota.Store.
type Limiter struct {
	store  quota.Store
	now    func() time.Time
	retry  retry.Config
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. The window is recomputed from it on every call.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRetry overrides how store errors are retried before the limiter gives
// up with a BackendUnavailableError.
func WithRetry(cfg retry.Config) Option {
	return func(l *Limiter) { l.retry = cfg }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter returns a limiter that retries a failing store call once after
// 25ms.
func NewLimiter(store quota.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		retry:  retry.Config{MaxAttempts: 2, BaseDelay: 25 * time.Millisecond},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the limiter's clock.
func (l *Limiter) Now() time.Time { return l.now() }

// Check reports the current standing of partition in category without
// consuming anything.
func (l *Limiter) Check(ctx context.Context, partition string, category domain.Category, spec domain.LimitSpec) (domain.RateDecision, error) {
	if err := spec.Validate(); err != nil {
		return domain.RateDecision{}, err
	}
	bucket, resetAt := bucketFor(l.now(), spec.Window)
	key := Key(category, partition, spec.Window, bucket)
	decision := domain.RateDecision{Limit: spec.Max, ResetAt: resetAt, Category: category}

	var count int64
	err := l.withRetry(ctx, "get", partition, func(ctx context.Context) error {
		var err error
		count, err = l.store.Get(ctx, key)
		return err
	})
	if err != nil {
		return decision, err
	}
	decision.Allowed = count < spec.Max
	decision.Remaining = remaining(spec.Max, count)
	return decision, nil
}

// Consume atomically adds amount to the current window and allows the call iff
// the count before this call was below the limit. Denied calls still count.
func (l *Limiter) Consume(ctx context.Context, partition string, category domain.Category, spec domain.LimitSpec, amount int64) (domain.RateDecision, error) {
	if err := spec.Validate(); err != nil {
		return domain.RateDecision{}, err
	}
	if amount < 1 {
		return domain.RateDecision{}, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	bucket, resetAt := bucketFor(l.now(), spec.Window)
	key := Key(category, partition, spec.Window, bucket)
	decision := domain.RateDecision{Limit: spec.Max, ResetAt: resetAt, Category: category}

	var count int64
	err := l.withRetry(ctx, "increment", partition, func(ctx context.Context) error {
		var err error
		count, err = l.store.Increment(ctx, key, amount, spec.Window)
		return err
	})
	if err != nil {
		return decision, err
	}
	decision.Allowed = count-amount < spec.Max
	decision.Remaining = remaining(spec.Max, count)
	return decision, nil
}

// withRetry runs fn under the retry policy and converts a persistent failure
// into a BackendUnavailableError.
func (l *Limiter) withRetry(ctx context.Context, op, partition string, fn func(context.Context) error) error {
	cfg := l.retry
	cfg.Retryable = func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, context.Canceled)
	}
	cfg.OnRetry = func(attempt int, err error) {
		l.logger.Warn("quota store call failed, retrying",
			slog.String("op", op),
			slog.String("partition", MaskPartition(partition)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	if err := retry.Do(ctx, cfg, fn); err != nil {
		telemetry.QuotaStoreErrors.WithLabelValues(op).Inc()
		return &domain.BackendUnavailableError{Backend: "quota store", Err: err}
	}
	return nil
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
