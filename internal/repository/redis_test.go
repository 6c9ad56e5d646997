package repository

import (
	"context"
	"testing"

	"migranthub/internal/config"
	"migranthub/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func deadOp(id string) *models.QueuedOperation {
	return &models.QueuedOperation{ID: id, EntityType: models.EntityProfile, EntityID: "p1", Status: models.OpDead}
}

func recentIDs(t *testing.T, repo *RedisDeadLetterRepository, limit int) []string {
	t.Helper()
	ops, err := repo.RecentDead(context.Background(), limit)
	require.NoError(t, err)
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}

func TestRedisDeadLetters_CapAndOrder(t *testing.T) {
	_, client := newMiniredis(t)
	repo := NewRedisDeadLetterRepository(client, "test:dead", 2)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		require.NoError(t, repo.PushDead(ctx, deadOp(id)))
	}

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"op-3", "op-2"}, recentIDs(t, repo, 0))
	assert.Equal(t, []string{"op-3"}, recentIDs(t, repo, 1))

	bodies, err := client.HLen(ctx, "test:dead:ops").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), bodies, "trimmed bodies are dropped too")

	got, err := repo.RecentDead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OpDead, got[0].Status)
	assert.Equal(t, "p1", got[0].EntityID)
}

func TestRedisDeadLetters_RepushMovesToFront(t *testing.T) {
	_, client := newMiniredis(t)
	repo := NewRedisDeadLetterRepository(client, "test:dead", 0)
	ctx := context.Background()

	require.NoError(t, repo.PushDead(ctx, deadOp("op-1")))
	require.NoError(t, repo.PushDead(ctx, deadOp("op-2")))

	again := deadOp("op-1")
	again.AttemptCount = 5
	require.NoError(t, repo.PushDead(ctx, again))

	assert.Equal(t, []string{"op-1", "op-2"}, recentIDs(t, repo, 0))
	got, err := repo.RecentDead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, got[0].AttemptCount)
}

func TestRedisDeadLetters_Empty(t *testing.T) {
	_, client := newMiniredis(t)
	repo := NewRedisDeadLetterRepository(client, "", 10)

	ops, err := repo.RecentDead(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRedisDeadLetters_DefaultKey(t *testing.T) {
	s, client := newMiniredis(t)
	repo := NewRedisDeadLetterRepository(client, "", 0)
	require.NoError(t, repo.PushDead(context.Background(), deadOp("op-9")))
	assert.True(t, s.Exists(defaultDeadLetterKey))
	assert.True(t, s.Exists(defaultDeadLetterKey+":ops"))
}

func TestRedisDeadLetters_CorruptBody(t *testing.T) {
	_, client := newMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.ZAdd(ctx, "test:broken", redis.Z{Score: 1, Member: "op-x"}).Err())
	require.NoError(t, client.HSet(ctx, "test:broken:ops", "op-x", "{not json").Err())

	_, err := NewRedisDeadLetterRepository(client, "test:broken", 0).RecentDead(context.Background(), 0)
	assert.ErrorContains(t, err, "decode dead letter op-x")
}

func TestRedisDeadLetters_MissingBodySkipped(t *testing.T) {
	_, client := newMiniredis(t)
	require.NoError(t, client.ZAdd(context.Background(), "test:gap", redis.Z{Score: 1, Member: "op-gone"}).Err())

	ops, err := NewRedisDeadLetterRepository(client, "test:gap", 0).RecentDead(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRedisDeadLetters_Failures(t *testing.T) {
	ctx := context.Background()

	nilRepo := NewRedisDeadLetterRepository(nil, "k", 1)
	assert.ErrorIs(t, nilRepo.PushDead(ctx, deadOp("x")), errNilClient)
	_, err := nilRepo.Count(ctx)
	assert.ErrorIs(t, err, errNilClient)

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer down.Close()
	err = NewRedisDeadLetterRepository(down, "k", 1).PushDead(ctx, deadOp("x"))
	assert.ErrorContains(t, err, "push dead letter x")
	assert.Error(t, Ping(ctx, down))
}

func TestPingAndClose(t *testing.T) {
	_, client := newMiniredis(t)
	assert.NoError(t, Ping(context.Background(), client))
	assert.NoError(t, Close(nil))
}
