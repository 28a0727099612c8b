package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
)

type memoryEntry struct {
	mu  sync.Mutex
	job *models.BatchJob
}

// MemoryStore keeps jobs in process memory with a lock per job. Completed jobs
// are evicted once they are older than the configured TTL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.BatchID]; exists {
		return fmt.Errorf("batch %s: %w", job.BatchID, common.ErrDuplicateJob)
	}
	s.entries[job.BatchID] = &memoryEntry{job: job.Clone()}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID string) (*models.BatchJob, error) {
	entry, err := s.entry(batchID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, batchID string, fn func(job *models.BatchJob) error) (*models.BatchJob, error) {
	entry, err := s.entry(batchID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// fn works on a copy so a rejected update leaves the stored job untouched.
	working := entry.job.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	entry.job = working
	return working.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, batchID)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Evict removes completed jobs whose completion time is older than the TTL and
// returns how many were removed.
func (s *MemoryStore) Evict() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, entry := range s.entries {
		entry.mu.Lock()
		expired := entry.job.Status == models.BatchStatusCompleted &&
			entry.job.CompletedAt != nil &&
			entry.job.CompletedAt.Before(cutoff)
		entry.mu.Unlock()

		if expired {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// RunJanitor evicts expired jobs every tick until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, tick time.Duration) {
	if tick <= 0 || s.ttl <= 0 {
		return
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				s.logger.Info("Evicted expired batch jobs",
					zap.Int("evicted", n),
					zap.Int("remaining", s.Len()),
				)
			}
		}
	}
}

func (s *MemoryStore) entry(batchID string) (*memoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[batchID]
	if !ok {
		return nil, common.NewNotFoundError("batch %s not found", batchID)
	}
	return entry, nil
}
