package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fumiama/go-docx"
)

// DOCXExtractor reads paragraphs and tables from a Word document.
type DOCXExtractor struct{}

func NewDOCXExtractor() *DOCXExtractor { return &DOCXExtractor{} }

func (*DOCXExtractor) Format() Format       { return FormatDOCX }
func (*DOCXExtractor) Extensions() []string { return []string{".docx"} }
func (*DOCXExtractor) MIMETypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (*DOCXExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	d, err := docx.Parse(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("docx: %w", err)
	}

	doc := &Document{Title: titleFromPath(src)}
	var b strings.Builder
	tables := 0
	for _, item := range d.Document.Body.Items {
		var content string
		isTable := false
		switch t := item.(type) {
		case *docx.Paragraph:
			content = t.String()
		case *docx.Table:
			content = t.String()
			isTable = true
		default:
			continue
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if isTable {
			tables++
			doc.Markers = append(doc.Markers, Marker{
				Kind:   MarkerTable,
				Label:  fmt.Sprintf("table %d", tables),
				Offset: utf8.RuneCountInString(b.String()),
			})
		}
		b.WriteString(content)
	}
	doc.Text = strings.TrimRight(b.String(), " \n\t")
	return doc, nil
}
