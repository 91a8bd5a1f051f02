// Package platform opens the backing stores the services share, picked by
// configuration.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/genflow/internal/ledger"
	"github.com/ramiqadoumi/genflow/internal/postgres"
	"github.com/ramiqadoumi/genflow/internal/quota"
	redisstore "github.com/ramiqadoumi/genflow/internal/redis"
	"github.com/ramiqadoumi/genflow/internal/sqlstore"
)

// Ledger drivers.
const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

// Quota backends. Failover uses Redis with the Postgres counter table
// behind it.
const (
	QuotaRedis    = "redis"
	QuotaPostgres = "postgres"
	QuotaFailover = "failover"
	QuotaMemory   = "memory"
	QuotaNone     = ""
)

// Options selects and locates the stores.
type Options struct {
	LedgerDriver string
	PostgresDSN  string
	SQLitePath   string
	QuotaBackend string
	RedisAddr    string
	// UseRedis connects to Redis even when the quota backend does not need
	// it, for checkpoints and leader election.
	UseRedis bool
	Logger   *slog.Logger
}

// Resources holds the opened stores. Fields for stores that were not
// configured are nil.
type Resources struct {
	Ledger     ledger.Ledger
	Quota      quota.Store
	Redis      *goredis.Client
	Postgres   *pgxpool.Pool
	QuotaTable *postgres.QuotaStore

	closers []func()
}

// Open connects everything o asks for. On error whatever was already opened
// is closed.
func Open(ctx context.Context, o Options) (*Resources, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	res := &Resources{}
	if err := res.open(ctx, o); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) open(ctx context.Context, o Options) error {
	needPG := o.LedgerDriver == LedgerPostgres || o.QuotaBackend == QuotaPostgres || o.QuotaBackend == QuotaFailover
	needRedis := o.UseRedis || o.QuotaBackend == QuotaRedis || o.QuotaBackend == QuotaFailover

	if needPG {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := postgres.NewPool(initCtx, o.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		r.Postgres = pool
		r.closers = append(r.closers, pool.Close)
	}
	if needRedis {
		client := redisstore.NewClient(o.RedisAddr)
		r.Redis = client
		r.closers = append(r.closers, func() { _ = client.Close() })
	}

	switch o.LedgerDriver {
	case LedgerPostgres:
		r.Ledger = postgres.NewLedger(r.Postgres)
	case LedgerSQLite:
		l, err := sqlstore.Open(ctx, o.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite ledger: %w", err)
		}
		r.Ledger = l
		r.closers = append(r.closers, func() { _ = l.Close() })
	case LedgerMemory:
		o.Logger.Warn("using in-memory task ledger, tasks are lost on restart and not shared between processes")
		r.Ledger = ledger.NewMemory(nil)
	default:
		return fmt.Errorf("unknown ledger driver %q (want postgres, sqlite or memory)", o.LedgerDriver)
	}

	switch o.QuotaBackend {
	case QuotaRedis:
		r.Quota = redisstore.NewQuotaStore(r.Redis)
	case QuotaPostgres:
		r.QuotaTable = postgres.NewQuotaStore(r.Postgres)
		r.Quota = r.QuotaTable
	case QuotaFailover:
		r.QuotaTable = postgres.NewQuotaStore(r.Postgres)
		r.Quota = quota.NewFailover(redisstore.NewQuotaStore(r.Redis), r.QuotaTable, o.Logger)
	case QuotaMemory:
		o.Logger.Warn("using in-memory quota store, limits are enforced per process only")
		r.Quota = quota.NewMemory(nil)
	case QuotaNone:
	default:
		return fmt.Errorf("unknown quota backend %q (want redis, postgres, failover or memory)", o.QuotaBackend)
	}
	return nil
}

// Ready pings the ledger and, when configured, the quota store.
func (r *Resources) Ready(ctx context.Context) error {
	var errs []error
	if err := r.Ledger.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task ledger: %w", err))
	}
	if r.Quota != nil {
		if err := r.Quota.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("quota store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases everything in reverse opening order.
func (r *Resources) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
