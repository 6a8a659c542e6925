// Package pdftext inspects uploaded PDFs before OCR is scheduled: page
// count and whether a text layer already exists. The answers are
// advisory; a file the parser cannot read still goes to the vendor.
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// textProbePages bounds how many pages are scanned for a text layer.
const textProbePages = 3

type Sniffer struct{}

func New() *Sniffer {
	return &Sniffer{}
}

func (s *Sniffer) Sniff(_ context.Context, mimeType string, content []byte) (pages int, hasTextLayer bool, err error) {
	if mimeType != "application/pdf" {
		return 0, false, nil
	}

	// The parser panics on some malformed files.
	defer func() {
		if recovered := recover(); recovered != nil {
			pages, hasTextLayer = 0, false
			err = fmt.Errorf("parse pdf: %v", recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, false, fmt.Errorf("parse pdf: %w", err)
	}

	pages = reader.NumPage()
	for i := 1; i <= pages && i <= textProbePages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			hasTextLayer = true
			break
		}
	}
	return pages, hasTextLayer, nil
}
