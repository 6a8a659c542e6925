package pdftext

import (
	"context"
	"testing"
)

func TestSniffIgnoresNonPDF(t *testing.T) {
	pages, hasText, err := New().Sniff(context.Background(), "image/png", []byte{0x89, 0x50, 0x4e, 0x47})
	if err != nil {
		t.Fatalf("Sniff() error = %v", err)
	}
	if pages != 0 || hasText {
		t.Fatalf("non-pdf must report nothing, got pages=%d hasText=%v", pages, hasText)
	}
}

func TestSniffMalformedPDFReturnsError(t *testing.T) {
	_, _, err := New().Sniff(context.Background(), "application/pdf", []byte("%PDF-1.7 garbage"))
	if err == nil {
		t.Fatalf("expected parse error for malformed pdf")
	}
}
