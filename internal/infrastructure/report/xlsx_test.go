package report

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

func TestXLSXExport(t *testing.T) {
	items := []domain.QueueItem{
		{ID: "item-1", QueueName: domain.DefaultQueue, Kind: domain.TaskOCR,
			State: domain.QueueSucceeded, AttemptCount: 1, AvailableAt: time.Now()},
		{ID: "item-2", QueueName: domain.DefaultQueue, Kind: domain.TaskOCR,
			State: domain.QueueFailedPermanent, AttemptCount: 5, AvailableAt: time.Now(),
			LastError: "ocr vendor_rejected: unsupported file type"},
	}

	reader, name, err := NewXLSXExporter().Export(context.Background(), items)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasPrefix(name, "queue-audit-") || !strings.HasSuffix(name, ".xlsx") {
		t.Fatalf("unexpected report name %q", name)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	workbook, err := excelize.OpenReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer workbook.Close()

	rows, err := workbook.GetRows("Queue Audit")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Item ID" {
		t.Fatalf("unexpected header row %v", rows[0])
	}
	if rows[2][3] != "failed_permanent" {
		t.Fatalf("unexpected state cell %q", rows[2][3])
	}
}
