package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
)

const maxUpdateAttempts = 50

// BatchStore keeps batch jobs as JSON snapshots so several API replicas can
// share progress. Updates use optimistic WATCH/MULTI transactions.
type BatchStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewBatchStore(c *Client, ttl time.Duration, logger *zap.Logger) *BatchStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchStore{client: c.client, ttl: ttl, logger: logger}
}

func batchKey(id string) string {
	return fmt.Sprintf("batch:%s", id)
}

func (s *BatchStore) Create(ctx context.Context, job *models.BatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal batch job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, batchKey(job.BatchID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	if !ok {
		return fmt.Errorf("batch %s: %w", job.BatchID, common.ErrDuplicateJob)
	}
	return nil
}

func (s *BatchStore) Get(ctx context.Context, batchID string) (*models.BatchJob, error) {
	data, err := s.client.Get(ctx, batchKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, common.NewNotFoundError("batch %s not found", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}

	var job models.BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch job: %w", err)
	}
	return &job, nil
}

func (s *BatchStore) Update(ctx context.Context, batchID string, fn func(job *models.BatchJob) error) (*models.BatchJob, error) {
	key := batchKey(batchID)
	var updated *models.BatchJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return common.NewNotFoundError("batch %s not found", batchID)
		}
		if err != nil {
			return err
		}

		var job models.BatchJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal batch job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}

		next, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal batch job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		s.logger.Debug("Batch update conflicted, retrying",
			zap.String("batch_id", batchID),
			zap.Int("attempt", attempt),
		)
	}

	return nil, fmt.Errorf("failed to update batch %s after %d attempts: %w",
		batchID, maxUpdateAttempts, common.ErrInternalInconsistency)
}

func (s *BatchStore) Delete(ctx context.Context, batchID string) error {
	if err := s.client.Del(ctx, batchKey(batchID)).Err(); err != nil {
		return fmt.Errorf("failed to delete batch job: %w", err)
	}
	return nil
}
