package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkpointTTL = 24 * time.Hour

func checkpointKey(taskID string) string { return "task:checkpoint:" + taskID }

// CheckpointStore keeps per-task intermediate results so a re-executed task
// can skip steps that already finished.
type CheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCheckpointStore creates a Redis-backed checkpoint store.
func NewCheckpointStore(client *redis.Client) *CheckpointStore {
	return &CheckpointStore{client: client, ttl: checkpointTTL}
}

func (s *CheckpointStore) Save(ctx context.Context, taskID, step string, data []byte) error {
	key := checkpointKey(taskID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, step, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save checkpoint %s/%s: %w", taskID, step, err)
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, taskID, step string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, checkpointKey(taskID), step).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis load checkpoint %s/%s: %w", taskID, step, err)
	}
	return data, true, nil
}

func (s *CheckpointStore) Clear(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, checkpointKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis clear checkpoints for %s: %w", taskID, err)
	}
	return nil
}
