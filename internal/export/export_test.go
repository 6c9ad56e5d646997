package export

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"migranthub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleOps() []*models.QueuedOperation {
	at := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	next := at.Add(4 * time.Second)
	msg := "remote conflict: changed remotely"
	return []*models.QueuedOperation{
		{ID: "op-1", EntityType: models.EntityProfile, EntityID: "p1", Kind: models.KindUpdate,
			Payload: json.RawMessage(`{"fullName":"A"}`), Status: models.OpPending, CreatedAt: at, UpdatedAt: at},
		{ID: "op-2", EntityType: models.EntityProfile, EntityID: "p2", Kind: models.KindCreate,
			Payload: json.RawMessage(`{"n":1}`), Status: models.OpFailed, AttemptCount: 2, NextEligibleAt: &next,
			CreatedAt: at, UpdatedAt: at},
		{ID: "op-3", EntityType: models.EntityChecklistItem, EntityID: "d1", Kind: models.KindUpdate,
			Status: models.OpDead, AttemptCount: 1, LastError: &msg, BaseVersion: 3, CreatedAt: at, UpdatedAt: at},
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	generated := time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC)
	require.NoError(t, Write(&buf, sampleOps(), generated))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{OperationsSheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(OperationsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, headers, rows[0])
	assert.Equal(t, "op-1", rows[1][0])
	assert.Equal(t, `{"fullName":"A"}`, rows[1][11])
	assert.Equal(t, "failed", rows[2][4])
	assert.Equal(t, "10.05.2025 08:00:04", rows[2][8])
	assert.Equal(t, "remote conflict: changed remotely", rows[3][7])

	pending, err := f.GetCellValue(SummarySheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "2", pending)

	dead, err := f.GetCellValue(SummarySheet, "B6")
	require.NoError(t, err)
	assert.Equal(t, "1", dead)

	stamp, _ := f.GetCellValue(SummarySheet, "B1")
	assert.Equal(t, "10.05.2025 09:30:00", stamp)
}

func TestToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	generated := time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC)

	path, err := ToFile(dir, nil, generated)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "queue_export_2025-05-10_09-30-00.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(OperationsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}
