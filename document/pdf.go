package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts the text layer of a PDF row by row.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

func (*PDFExtractor) Format() Format       { return FormatPDF }
func (*PDFExtractor) Extensions() []string { return []string{".pdf"} }
func (*PDFExtractor) MIMETypes() []string  { return []string{"application/pdf"} }

func (*PDFExtractor) Convert(ctx context.Context, src *Source) (doc *Document, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("pdf: malformed document: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}

	doc = &Document{Title: titleFromPath(src)}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		doc.Markers = append(doc.Markers, Marker{
			Kind:   MarkerPage,
			Label:  fmt.Sprintf("page %d", i),
			Offset: utf8.RuneCountInString(b.String()),
		})
		for idx, row := range rows {
			if idx > 0 {
				b.WriteByte('\n')
			}
			for _, word := range row.Content {
				b.WriteString(word.S)
			}
		}
	}
	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}
