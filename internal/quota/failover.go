package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Failover sends every call to the primary store and falls back to the
// secondary when the primary returns an error. Counters written to the
// secondary during an outage are not merged back, so a partition may see up
// to one extra window's worth of allowance while the primary flaps.
type Failover struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

// NewFailover composes two stores.
func NewFailover(primary, secondary Store, logger *slog.Logger) *Failover {
	return &Failover{primary: primary, secondary: secondary, logger: logger}
}

func (f *Failover) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	n, err := f.primary.Increment(ctx, key, amount, ttl)
	if err == nil || ctx.Err() != nil {
		return n, err
	}
	f.logger.Warn("primary quota store failed, using secondary", slog.String("error", err.Error()))
	n, err2 := f.secondary.Increment(ctx, key, amount, ttl)
	if err2 != nil {
		return 0, errors.Join(err, err2)
	}
	return n, nil
}

func (f *Failover) Get(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.Get(ctx, key)
	if err == nil || ctx.Err() != nil {
		return n, err
	}
	n, err2 := f.secondary.Get(ctx, key)
	if err2 != nil {
		return 0, errors.Join(err, err2)
	}
	return n, nil
}

// Ping succeeds when either store is reachable.
func (f *Failover) Ping(ctx context.Context) error {
	err := f.primary.Ping(ctx)
	if err == nil {
		return nil
	}
	if err2 := f.secondary.Ping(ctx); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}
