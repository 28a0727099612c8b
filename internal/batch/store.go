package batch

import (
	"context"

	"github.com/pharmatrace/backend/internal/storage/models"
)

// Store persists batch jobs. Update must apply fn atomically with respect to
// every other Update on the same job and return the resulting snapshot.
type Store interface {
	Create(ctx context.Context, job *models.BatchJob) error
	Get(ctx context.Context, batchID string) (*models.BatchJob, error)
	Update(ctx context.Context, batchID string, fn func(job *models.BatchJob) error) (*models.BatchJob, error)
	Delete(ctx context.Context, batchID string) error
}
