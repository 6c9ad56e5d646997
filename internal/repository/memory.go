package repository

import (
	"context"
	"sync"

	"migranthub/internal/models"
)

// MemoryDeadLetterRepository keeps the most recent dead operations in process memory.
type MemoryDeadLetterRepository struct {
	mu  sync.Mutex
	ops []*models.QueuedOperation
	max int
}

func NewMemoryDeadLetterRepository(max int) *MemoryDeadLetterRepository {
	if max <= 0 {
		max = 1000
	}
	return &MemoryDeadLetterRepository{max: max}
}

func (r *MemoryDeadLetterRepository) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op.Clone())
	if over := len(r.ops) - r.max; over > 0 {
		r.ops = append(r.ops[:0:0], r.ops[over:]...)
	}
	return nil
}

func (r *MemoryDeadLetterRepository) RecentDead(ctx context.Context, limit int) ([]*models.QueuedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.ops)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*models.QueuedOperation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.ops[i].Clone())
	}
	return out, nil
}
