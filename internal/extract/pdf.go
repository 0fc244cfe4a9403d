package extract

import (
	"errors"
	"fmt"
	"strings"

	pdflib "github.com/ledongthuc/pdf"

	"paperdesk/apps/backend/internal/retry"
)

// ErrUnparseable marks input that cannot be read as a PDF. This is a
// fatal ingestion error; the pipeline records extract_failed and never
// retries it.
var ErrUnparseable = errors.New("unparseable document")

// Result is the extracted text of a document plus the provenance the
// chunker needs to tag passages with page numbers.
type Result struct {
	Text      string
	PageCount int
	// PageOffsets[i] is the index into Text where page i+1 starts.
	// Always non-empty for a non-empty Text, starting at 0.
	PageOffsets []int
}

// PageAt returns the 1-based page number owning the given character
// offset into Text.
func (r *Result) PageAt(offset int) int {
	page := 1
	for i, start := range r.PageOffsets {
		if offset >= start {
			page = i + 1
		} else {
			break
		}
	}
	return page
}

// PDF extracts plain text from a PDF file on disk, page by page.
type PDF struct{}

func NewPDF() *PDF {
	return &PDF{}
}

func (p *PDF) Extract(path string) (*Result, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrUnparseable, err))
	}
	defer f.Close()

	res := &Result{PageCount: reader.NumPage()}
	var buf strings.Builder

	for i := 1; i <= res.PageCount; i++ {
		res.PageOffsets = append(res.PageOffsets, buf.Len())

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single broken page does not fail the document.
			continue
		}
		buf.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			buf.WriteString("\n")
		}
	}

	res.Text = buf.String()
	if strings.TrimSpace(res.Text) == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: no extractable text", ErrUnparseable))
	}
	return res, nil
}
