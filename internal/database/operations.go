package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"migranthub/internal/models"
)

// timeLayout is fixed width so that lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const operationColumns = `seq, id, entity_type, entity_id, kind, payload, base_version, status,
              attempt_count, last_error, created_at, updated_at, next_eligible_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Append inserts a new operation. The call returns only after the write is committed.
func (db *DB) Append(ctx context.Context, op *models.QueuedOperation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	if err := db.checkQuota(ctx, tx, int64(len(op.Payload))); err != nil {
		return err
	}

	var nextEligible interface{}
	if op.NextEligibleAt != nil {
		nextEligible = formatTime(*op.NextEligibleAt)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO operations (id, entity_type, entity_id, kind, payload, base_version, status,
              attempt_count, last_error, created_at, updated_at, next_eligible_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		string(op.EntityType),
		op.EntityID,
		string(op.Kind),
		[]byte(op.Payload),
		op.BaseVersion,
		string(op.Status),
		op.AttemptCount,
		op.LastError,
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
		nextEligible,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", mapWriteError(err))
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", mapWriteError(err))
	}
	op.Seq = seq
	return nil
}

func (db *DB) checkQuota(ctx context.Context, tx *sql.Tx, incoming int64) error {
	if db.maxOperations <= 0 && db.maxBytes <= 0 {
		return nil
	}

	var count, size int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM operations`).Scan(&count, &size)
	if err != nil {
		return fmt.Errorf("failed to measure store usage: %w", err)
	}

	if db.maxOperations > 0 && count+1 > int64(db.maxOperations) {
		return fmt.Errorf("%w: %d operations stored, limit %d", ErrStorageFull, count, db.maxOperations)
	}
	if db.maxBytes > 0 && size+incoming > db.maxBytes {
		return fmt.Errorf("%w: %d payload bytes stored, limit %d", ErrStorageFull, size, db.maxBytes)
	}
	return nil
}

// Update applies a partial update. It returns ErrNotFound if the operation is gone.
func (db *DB) Update(ctx context.Context, id string, patch models.OperationPatch) error {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *patch.AttemptCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		if *patch.LastError == "" {
			args = append(args, nil)
		} else {
			args = append(args, *patch.LastError)
		}
	}
	if patch.NextEligibleAt != nil {
		sets = append(sets, "next_eligible_at = ?")
		if patch.NextEligibleAt.IsZero() {
			args = append(args, nil)
		} else {
			args = append(args, formatTime(*patch.NextEligibleAt))
		}
	}
	if patch.BaseVersion != nil {
		sets = append(sets, "base_version = ?")
		args = append(args, *patch.BaseVersion)
	}
	if patch.EntityID != nil {
		sets = append(sets, "entity_id = ?")
		args = append(args, *patch.EntityID)
	}
	if patch.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, []byte(patch.Payload))
	}

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(updatedAt), id)

	query := `UPDATE operations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, mapWriteError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Remove deletes an operation. Removing a missing id is not an error.
func (db *DB) Remove(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	return nil
}

// List returns every stored operation ordered by creation time.
func (db *DB) List(ctx context.Context) ([]*models.QueuedOperation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// Get loads a single operation.
func (db *DB) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return op, err
}

// RemapEntity rewrites every operation and the stored version of an entity from one id to another.
func (db *DB) RemapEntity(ctx context.Context, entityType models.EntityType, fromID, toID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin remap: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET entity_id = ?, updated_at = ? WHERE entity_type = ? AND entity_id = ?`,
		toID, now, string(entityType), fromID,
	); err != nil {
		return fmt.Errorf("failed to remap operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE entity_versions SET entity_id = ?, updated_at = ? WHERE entity_type = ? AND entity_id = ?`,
		toID, now, string(entityType), fromID,
	); err != nil {
		return fmt.Errorf("failed to remap entity version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remap: %w", mapWriteError(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op                   models.QueuedOperation
		entityType, kind     string
		status               string
		payload              []byte
		lastError            sql.NullString
		createdAt, updatedAt string
		nextEligible         sql.NullString
	)

	err := row.Scan(
		&op.Seq, &op.ID, &entityType, &op.EntityID, &kind, &payload, &op.BaseVersion, &status,
		&op.AttemptCount, &lastError, &createdAt, &updatedAt, &nextEligible,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.EntityType = models.EntityType(entityType)
	op.Kind = models.OpKind(kind)
	op.Status = models.OpStatus(status)
	if payload != nil {
		op.Payload = payload
	}
	if lastError.Valid {
		msg := lastError.String
		op.LastError = &msg
	}

	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", op.ID, err)
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", op.ID, err)
	}
	if nextEligible.Valid {
		at, err := parseTime(nextEligible.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse next_eligible_at of %s: %w", op.ID, err)
		}
		op.NextEligibleAt = &at
	}

	return &op, nil
}
