package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	redisstore "github.com/ramiqadoumi/genflow/internal/redis"
	"github.com/ramiqadoumi/genflow/internal/reaper"
)

const (
	leaderKey     = "genflow:reaper:leader"
	purgeSchedule = "@every 5m"
)

// ReaperOptions configures NewReaper.
type ReaperOptions struct {
	Config    reaper.Config
	LeaderTTL time.Duration
}

// NewReaper builds a reaper over r's ledger. With Redis available sweeps are
// guarded by a leader lease; with the Postgres counter table in use, expired
// counters are purged on the same scheduler.
func (r *Resources) NewReaper(resumer reaper.Resumer, o ReaperOptions, logger *slog.Logger) (*reaper.Reaper, error) {
	opts := []reaper.Option{reaper.WithLogger(logger)}

	if r.Redis != nil {
		ttl := o.LeaderTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		opts = append(opts, reaper.WithLeaderLock(
			redisstore.NewLeader(r.Redis, leaderKey, uuid.NewString(), ttl, logger),
		))
	} else {
		logger.Warn("no redis configured, reaper runs without leader election")
	}

	if r.QuotaTable != nil {
		table := r.QuotaTable
		opts = append(opts, reaper.WithJob(reaper.Job{
			Name:     "quota-purge",
			Schedule: purgeSchedule,
			Run: func(ctx context.Context) error {
				n, err := table.Purge(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("expired quota counters purged", slog.Int64("count", n))
				}
				return nil
			},
		}))
	}

	return reaper.New(r.Ledger, resumer, o.Config, opts...)
}
