package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"migranthub/internal/database"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type mockVersions struct {
	mock.Mock
}

func (m *mockVersions) EntityVersion(ctx context.Context, t models.EntityType, id string) (int64, bool, error) {
	args := m.Called(ctx, t, id)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *mockVersions) PutEntityVersion(ctx context.Context, t models.EntityType, id string, v int64) error {
	return m.Called(ctx, t, id, v).Error(0)
}

func (m *mockVersions) DeleteEntityVersion(ctx context.Context, t models.EntityType, id string) error {
	return m.Called(ctx, t, id).Error(0)
}

type recordingTrigger struct {
	reasons []string
}

func (r *recordingTrigger) Trigger(reason string) { r.reasons = append(r.reasons, reason) }

type staticOnline bool

func (s staticOnline) IsOnline() bool { return bool(s) }

func newMutationService(q Enqueuer, v *mockVersions, online bool) (*MutationService, *recordingTrigger) {
	logger := zerolog.Nop()
	trigger := &recordingTrigger{}
	return NewMutationService(q, v, trigger, staticOnline(online), &logger), trigger
}

func TestEnqueueMutation_ResolvesBaseVersion(t *testing.T) {
	q := new(mockEnqueuer)
	v := new(mockVersions)
	svc, trigger := newMutationService(q, v, true)

	v.On("EntityVersion", mock.Anything, models.EntityProfile, "p1").Return(int64(4), true, nil).Once()
	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(req queue.EnqueueRequest) bool {
		return req.EntityID == "p1" && req.BaseVersion == 4 && req.Kind == models.KindUpdate
	})).Return("op-1", nil).Once()

	id, entityID, err := svc.EnqueueMutation(context.Background(), Mutation{
		EntityType: models.EntityProfile,
		EntityID:   "p1",
		Kind:       models.KindUpdate,
		Payload:    json.RawMessage(`{"fullName":"A"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, "p1", entityID)
	assert.Equal(t, []string{worker.TriggerEnqueue}, trigger.reasons)
	q.AssertExpectations(t)
	v.AssertExpectations(t)
}

func TestEnqueueMutation_ExplicitBaseVersionWins(t *testing.T) {
	q := new(mockEnqueuer)
	v := new(mockVersions)
	svc, _ := newMutationService(q, v, true)

	base := int64(3)
	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(req queue.EnqueueRequest) bool {
		return req.BaseVersion == 3
	})).Return("op-2", nil).Once()

	_, _, err := svc.EnqueueMutation(context.Background(), Mutation{
		EntityType:  models.EntityChecklistItem,
		EntityID:    "d1",
		Kind:        models.KindUpdate,
		Payload:     json.RawMessage(`{"status":"active"}`),
		BaseVersion: &base,
	})
	require.NoError(t, err)
	v.AssertNotCalled(t, "EntityVersion", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueueMutation_CreateGetsProvisionalID(t *testing.T) {
	q := new(mockEnqueuer)
	v := new(mockVersions)
	svc, trigger := newMutationService(q, v, false)

	q.On("Enqueue", mock.Anything, mock.MatchedBy(func(req queue.EnqueueRequest) bool {
		return strings.HasPrefix(req.EntityID, ProvisionalPrefix) && req.BaseVersion == 0
	})).Return("op-3", nil).Once()

	_, entityID, err := svc.EnqueueMutation(context.Background(), Mutation{
		EntityType: models.EntityGeneratedDocument,
		Kind:       models.KindCreate,
		Payload:    json.RawMessage(`{"template":"patent"}`),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(entityID, ProvisionalPrefix))
	assert.Empty(t, trigger.reasons, "offline enqueue does not nudge the engine")
}

func TestEnqueueMutation_Validation(t *testing.T) {
	svc, _ := newMutationService(new(mockEnqueuer), new(mockVersions), true)

	_, _, err := svc.EnqueueMutation(context.Background(), Mutation{Kind: models.KindUpdate, EntityID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, _, err = svc.EnqueueMutation(context.Background(), Mutation{EntityType: models.EntityProfile, Kind: "upsert"})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, _, err = svc.EnqueueMutation(context.Background(), Mutation{EntityType: models.EntityProfile, Kind: models.KindDelete})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEnqueueMutation_StorageFullRejectsSynchronously(t *testing.T) {
	q := new(mockEnqueuer)
	v := new(mockVersions)
	svc, trigger := newMutationService(q, v, true)

	v.On("EntityVersion", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), false, nil)
	q.On("Enqueue", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: 100 operations", database.ErrStorageFull)).Once()

	_, _, err := svc.EnqueueMutation(context.Background(), Mutation{
		EntityType: models.EntityProfile,
		EntityID:   "p1",
		Kind:       models.KindUpdate,
		Payload:    json.RawMessage(`{"fullName":"A"}`),
	})
	assert.ErrorIs(t, err, database.ErrStorageFull)
	assert.Empty(t, trigger.reasons)
}

func TestEnqueueMutation_AgainstRealQueue(t *testing.T) {
	logger := zerolog.Nop()
	db, err := database.NewDB(t.TempDir()+"/queue.db", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetLimits(1, 0)

	q := queue.New(db, &logger, queue.Options{})
	require.NoError(t, q.Load(context.Background()))
	require.NoError(t, db.PutEntityVersion(context.Background(), models.EntityProfile, "p1", 7))

	svc := NewMutationService(q, db, nil, nil, &logger)
	id, _, err := svc.EnqueueMutation(context.Background(), Mutation{
		EntityType: models.EntityProfile,
		EntityID:   "p1",
		Kind:       models.KindUpdate,
		Payload:    json.RawMessage(`{"fullName":"A"}`),
	})
	require.NoError(t, err)

	op, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(7), op.BaseVersion)

	_, _, err = svc.EnqueueMutation(context.Background(), Mutation{
		EntityType: models.EntityProfile,
		EntityID:   "p1",
		Kind:       models.KindUpdate,
		Payload:    json.RawMessage(`{"city":"B"}`),
	})
	assert.ErrorIs(t, err, database.ErrStorageFull)
	assert.Equal(t, 1, q.PendingCount())
}
