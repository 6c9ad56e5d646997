package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"migranthub/internal/domain"
	"migranthub/internal/models"

	"github.com/rs/zerolog"
)

type FailoverDeadLetterRepository struct {
	primary  domain.DeadLetterRepository
	fallback domain.DeadLetterRepository
	logger   *zerolog.Logger
	isDown   atomic.Bool
	now      func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverDeadLetterRepository(primary, fallback domain.DeadLetterRepository, logger *zerolog.Logger) *FailoverDeadLetterRepository {
	return &FailoverDeadLetterRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverDeadLetterRepository) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary dead letter repository failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

// usePrimary reports whether the primary should be tried, probing it again once a minute while down.
func (r *FailoverDeadLetterRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastCheck) > time.Minute {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverDeadLetterRepository) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	if r.usePrimary() {
		err := r.primary.PushDead(ctx, op)
		if err == nil {
			r.isDown.Store(false)
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.PushDead(ctx, op)
}

func (r *FailoverDeadLetterRepository) RecentDead(ctx context.Context, limit int) ([]*models.QueuedOperation, error) {
	if r.usePrimary() {
		ops, err := r.primary.RecentDead(ctx, limit)
		if err == nil {
			r.isDown.Store(false)
			return ops, nil
		}
		r.markDown(err)
	}

	return r.fallback.RecentDead(ctx, limit)
}
