package repository

import (
	"context"
	"errors"

	"migranthub/internal/domain"
	"migranthub/internal/models"
)

// FanoutSink delivers each dead operation to every sink and joins their errors.
type FanoutSink []domain.DeadLetterSink

func (f FanoutSink) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.PushDead(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
