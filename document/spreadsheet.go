package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// SpreadsheetExtractor renders each sheet of an OOXML workbook as a markdown
// table under a "## <sheet>" heading.
type SpreadsheetExtractor struct{}

func NewSpreadsheetExtractor() *SpreadsheetExtractor { return &SpreadsheetExtractor{} }

func (*SpreadsheetExtractor) Format() Format { return FormatSpreadsheet }
func (*SpreadsheetExtractor) Extensions() []string {
	return []string{".xlsx", ".xlsm", ".xls"}
}
func (*SpreadsheetExtractor) MIMETypes() []string {
	return []string{
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
	}
}

func (*SpreadsheetExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(src.Data))
	if err != nil {
		return nil, fmt.Errorf("spreadsheet: %w", err)
	}
	defer wb.Close()

	doc := &Document{Title: titleFromPath(src)}
	var b strings.Builder
	for _, sheet := range wb.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("spreadsheet: sheet %q: %w", sheet, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		doc.Markers = append(doc.Markers, Marker{Kind: MarkerSheet, Label: sheet, Offset: utf8.RuneCountInString(b.String())})
		b.WriteString("## " + sheet + "\n")
		if len(rows) > 0 {
			b.WriteString(markdownTable(rows[0], rows[1:]))
		}
	}
	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}
