// Package pdf inspects downloaded PDFs: structural validation and text
// extraction for the LLM screening stages.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/paperflow-io/paperflow/internal/errs"
)

// Magic is the header every well-formed PDF begins with.
var Magic = []byte("%PDF-")

// Validate checks that the file at path begins with the PDF magic header.
// HTML error pages served with a 200 status are the usual impostor.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Validationf(path, "open: %v", err)
	}
	defer f.Close()

	head := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return errs.Validationf(path, "read header: %v", err)
	}
	if !bytes.Equal(head, Magic) {
		return errs.Validationf(path, "bad magic header %q", head)
	}
	return nil
}

// PageCount returns the number of pages in the PDF.
func PageCount(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	return r.NumPage(), nil
}

// FirstPagesText extracts plain text from the first maxPages pages. Pages
// whose text cannot be decoded are skipped rather than failing the whole
// extraction; author blocks and affiliations live on page one, so partial
// text is still useful for screening.
func FirstPagesText(path string, maxPages int) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	if maxPages <= 0 || maxPages > r.NumPage() {
		maxPages = r.NumPage()
	}

	var b strings.Builder
	for i := 1; i <= maxPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
