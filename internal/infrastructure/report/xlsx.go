// Package report renders queue audit exports as XLSX workbooks.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

const sheetName = "Queue Audit"

type XLSXExporter struct{}

func NewXLSXExporter() *XLSXExporter {
	return &XLSXExporter{}
}

func (e *XLSXExporter) Export(_ context.Context, items []domain.QueueItem) (io.Reader, string, error) {
	workbook := excelize.NewFile()
	defer workbook.Close()

	index, err := workbook.NewSheet(sheetName)
	if err != nil {
		return nil, "", fmt.Errorf("create sheet: %w", err)
	}
	workbook.SetActiveSheet(index)
	if err := workbook.DeleteSheet("Sheet1"); err != nil {
		return nil, "", fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{"Item ID", "Queue", "Kind", "State", "Attempts", "Available At", "Claimed By", "Last Error"}
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, "", fmt.Errorf("header cell: %w", err)
		}
		if err := workbook.SetCellValue(sheetName, cell, header); err != nil {
			return nil, "", fmt.Errorf("write header: %w", err)
		}
	}

	for row, item := range items {
		values := []any{
			item.ID,
			item.QueueName,
			string(item.Kind),
			string(item.State),
			item.AttemptCount,
			item.AvailableAt.UTC().Format(time.RFC3339),
			item.ClaimedBy,
			item.LastError,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, "", fmt.Errorf("data cell: %w", err)
			}
			if err := workbook.SetCellValue(sheetName, cell, value); err != nil {
				return nil, "", fmt.Errorf("write row %d: %w", row+2, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := workbook.Write(&buf); err != nil {
		return nil, "", fmt.Errorf("serialize workbook: %w", err)
	}

	name := fmt.Sprintf("queue-audit-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	return &buf, name, nil
}
