package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"migranthub/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	OperationsSheet = "Operations"
	SummarySheet    = "Summary"

	timeLayout = "02.01.2006 15:04:05"
)

var headers = []string{
	"ID", "Entity Type", "Entity ID", "Kind", "Status", "Attempts",
	"Base Version", "Last Error", "Next Attempt", "Created At", "Updated At", "Payload",
}

var statusFill = map[models.OpStatus]string{
	models.OpInFlight: "#DDEBF7",
	models.OpFailed:   "#FFF2CC",
	models.OpDead:     "#F8CBAD",
}

// Write renders ops as an XLSX workbook.
func Write(w io.Writer, ops []*models.QueuedOperation, generatedAt time.Time) error {
	f, err := build(ops, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// ToFile saves the workbook under dir and returns its path.
func ToFile(dir string, ops []*models.QueuedOperation, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := build(ops, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, fmt.Sprintf("queue_export_%s.xlsx", generatedAt.Format("2006-01-02_15-04-05")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

func build(ops []*models.QueuedOperation, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(OperationsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(OperationsSheet, cell, header)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetCellStyle(OperationsSheet, "A1", lastCol+"1", headerStyle)

	styles := make(map[models.OpStatus]int, len(statusFill))
	for status, color := range statusFill {
		style, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[status] = style
		}
	}

	counts := make(map[models.OpStatus]int)
	for i, op := range ops {
		row := i + 2
		counts[op.Status]++

		values := []interface{}{
			op.ID,
			string(op.EntityType),
			op.EntityID,
			string(op.Kind),
			string(op.Status),
			op.AttemptCount,
			op.BaseVersion,
			deref(op.LastError),
			formatTime(op.NextEligibleAt),
			op.CreatedAt.Format(timeLayout),
			op.UpdatedAt.Format(timeLayout),
			string(op.Payload),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(OperationsSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if style, ok := styles[op.Status]; ok {
			_ = f.SetCellStyle(OperationsSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("%s%d", lastCol, row), style)
		}
	}

	_ = f.SetColWidth(OperationsSheet, "A", "A", 38)
	_ = f.SetColWidth(OperationsSheet, "B", "C", 24)
	_ = f.SetColWidth(OperationsSheet, "D", "G", 12)
	_ = f.SetColWidth(OperationsSheet, "H", "H", 48)
	_ = f.SetColWidth(OperationsSheet, "I", "K", 20)
	_ = f.SetColWidth(OperationsSheet, "L", "L", 60)
	_ = f.SetPanes(OperationsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.SetCellValue(SummarySheet, "A1", "Generated At")
	_ = f.SetCellValue(SummarySheet, "B1", generatedAt.Format(timeLayout))
	_ = f.SetCellValue(SummarySheet, "A2", "Pending Count")
	_ = f.SetCellValue(SummarySheet, "B2", counts[models.OpPending]+counts[models.OpInFlight]+counts[models.OpFailed])
	for i, status := range []models.OpStatus{models.OpPending, models.OpInFlight, models.OpFailed, models.OpDead} {
		row := i + 3
		_ = f.SetCellValue(SummarySheet, fmt.Sprintf("A%d", row), string(status))
		_ = f.SetCellValue(SummarySheet, fmt.Sprintf("B%d", row), counts[status])
	}
	_ = f.SetColWidth(SummarySheet, "A", "B", 20)

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}
