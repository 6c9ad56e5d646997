package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"migranthub/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	args := m.Called(ctx, op)
	return args.Error(0)
}

func (m *mockRepo) RecentDead(ctx context.Context, limit int) ([]*models.QueuedOperation, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueuedOperation), args.Error(1)
}

func TestFailoverDeadLetterRepository(t *testing.T) {
	primary := new(mockRepo)
	fallback := new(mockRepo)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverDeadLetterRepository(primary, fallback, &logger)
	now := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		op := &models.QueuedOperation{ID: "op-1"}
		primary.On("PushDead", ctx, op).Return(nil).Once()

		assert.NoError(t, repo.PushDead(ctx, op))
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		op := &models.QueuedOperation{ID: "op-2"}
		primary.On("PushDead", ctx, op).Return(errors.New("fail")).Once()
		fallback.On("PushDead", ctx, op).Return(nil).Once()

		assert.NoError(t, repo.PushDead(ctx, op))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		ops := []*models.QueuedOperation{{ID: "op-2"}}
		fallback.On("RecentDead", ctx, 10).Return(ops, nil).Once()

		got, err := repo.RecentDead(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, ops, got)
		primary.AssertNotCalled(t, "RecentDead", ctx, 10)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		now = now.Add(2 * time.Minute)

		ops := []*models.QueuedOperation{{ID: "op-1"}}
		primary.On("RecentDead", ctx, 5).Return(ops, nil).Once()

		got, err := repo.RecentDead(ctx, 5)
		assert.NoError(t, err)
		assert.Equal(t, ops, got)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})
}

func TestFanoutSink(t *testing.T) {
	a := NewMemoryDeadLetterRepository(10)
	failing := new(mockRepo)
	op := &models.QueuedOperation{ID: "op-1"}
	failing.On("PushDead", mock.Anything, op).Return(errors.New("sheet unavailable")).Once()

	err := FanoutSink{a, nil, failing}.PushDead(context.Background(), op)
	assert.ErrorContains(t, err, "sheet unavailable")

	got, _ := a.RecentDead(context.Background(), 0)
	assert.Len(t, got, 1, "healthy sinks still receive the operation")
}
