package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"migranthub/internal/models"
)

// EntityVersion returns the last remote version recorded for an entity.
func (db *DB) EntityVersion(ctx context.Context, entityType models.EntityType, entityID string) (int64, bool, error) {
	var version int64
	err := db.QueryRowContext(ctx,
		`SELECT version FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get entity version: %w", err)
	}
	return version, true, nil
}

func (db *DB) PutEntityVersion(ctx context.Context, entityType models.EntityType, entityID string, version int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO entity_versions (entity_type, entity_id, version, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(entity_type, entity_id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		string(entityType), entityID, version, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to put entity version: %w", mapWriteError(err))
	}
	return nil
}

func (db *DB) DeleteEntityVersion(ctx context.Context, entityType models.EntityType, entityID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM entity_versions WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete entity version: %w", err)
	}
	return nil
}

// ListEntityVersions returns all recorded versions, newest first.
func (db *DB) ListEntityVersions(ctx context.Context) ([]models.EntityVersion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT entity_type, entity_id, version, updated_at FROM entity_versions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity versions: %w", err)
	}
	defer rows.Close()

	var versions []models.EntityVersion
	for rows.Next() {
		var (
			v          models.EntityVersion
			entityType string
			updatedAt  string
		)
		if err := rows.Scan(&entityType, &v.EntityID, &v.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity version: %w", err)
		}
		v.EntityType = models.EntityType(entityType)
		if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse entity version timestamp: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
