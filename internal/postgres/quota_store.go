package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuotaStore keeps window counters in the quota_counters table. It backs the
// Redis store when the cache is unreachable.
type QuotaStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewQuotaStore wraps a pgxpool as a quota.Store.
func NewQuotaStore(pool *pgxpool.Pool) *QuotaStore {
	return &QuotaStore{pool: pool, now: time.Now}
}

// Increment upserts the counter. An expired row is restarted from amount with
// a fresh expiry, matching a Redis key that lapsed.
func (s *QuotaStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_counters (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE WHEN quota_counters.expires_at <= $4
			             THEN EXCLUDED.value
			             ELSE quota_counters.value + EXCLUDED.value END,
			expires_at = CASE WHEN quota_counters.expires_at <= $4
			                  THEN EXCLUDED.expires_at
			                  ELSE quota_counters.expires_at END
		RETURNING value
	`, key, amount, now.Add(ttl), now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres incr quota: %w", err)
	}
	return n, nil
}

func (s *QuotaStore) Get(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM quota_counters WHERE key = $1 AND expires_at > $2
	`, key, s.now().UTC()).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres get quota: %w", err)
	}
	return n, nil
}

func (s *QuotaStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Purge deletes expired counters and returns how many were removed.
func (s *QuotaStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quota_counters WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge quota counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
