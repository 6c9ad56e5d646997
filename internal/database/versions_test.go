package database

import (
	"context"
	"testing"

	"migranthub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityVersions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.EntityVersion(ctx, models.EntityProfile, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.PutEntityVersion(ctx, models.EntityProfile, "p1", 3))
	require.NoError(t, db.PutEntityVersion(ctx, models.EntityProfile, "p1", 4))

	v, ok, err := db.EntityVersion(ctx, models.EntityProfile, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), v)

	all, err := db.ListEntityVersions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(4), all[0].Version)

	require.NoError(t, db.DeleteEntityVersion(ctx, models.EntityProfile, "p1"))
	_, ok, err = db.EntityVersion(ctx, models.EntityProfile, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}
