package repository

import (
	"context"
	"testing"

	"migranthub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeadLetterRepository(t *testing.T) {
	repo := NewMemoryDeadLetterRepository(2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.PushDead(ctx, &models.QueuedOperation{ID: id}))
	}

	got, err := repo.RecentDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = repo.RecentDead(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	got[0].ID = "mutated"
	again, _ := repo.RecentDead(ctx, 1)
	assert.Equal(t, "c", again[0].ID)
}
