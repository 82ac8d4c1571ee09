package document

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// decodeText returns data as UTF-8, guessing the source encoding from BOMs,
// the declared content type and a byte-level heuristic.
func decodeText(data []byte, contentType string) string {
	if utf8.Valid(data) {
		return strings.TrimPrefix(string(data), "\ufeff")
	}
	enc, _, _ := charset.DetermineEncoding(data, contentType)
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\ufffd")
	}
	return string(out)
}

func titleFromPath(src *Source) string {
	name := firstNonEmpty(src.Path, src.Name)
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}

// ====== plain text ======

// TextExtractor passes text files through unchanged.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (*TextExtractor) Format() Format { return FormatText }

func (*TextExtractor) Extensions() []string {
	return []string{".txt", ".md", ".markdown", ".py", ".go", ".js", ".ts", ".java", ".c", ".cpp", ".h",
		".rs", ".rb", ".sh", ".log", ".tsv", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".tex", ".pdb", ".r"}
}

func (*TextExtractor) MIMETypes() []string {
	return []string{"text/plain", "text/markdown", "text/x-python", "text/x-go", "text/tab-separated-values"}
}

func (*TextExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	return &Document{Title: titleFromPath(src), Text: decodeText(src.Data, src.MIMEType)}, nil
}

// ====== csv ======

// CSVExtractor renders a CSV file as one markdown table.
type CSVExtractor struct {
	Delimiter rune
}

func NewCSVExtractor() *CSVExtractor { return &CSVExtractor{Delimiter: ','} }

func (*CSVExtractor) Format() Format       { return FormatCSV }
func (*CSVExtractor) Extensions() []string { return []string{".csv"} }
func (*CSVExtractor) MIMETypes() []string  { return []string{"text/csv"} }

func (e *CSVExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	reader := csv.NewReader(strings.NewReader(decodeText(src.Data, src.MIMEType)))
	reader.Comma = e.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	doc := &Document{Title: titleFromPath(src)}
	if len(records) == 0 {
		return doc, nil
	}
	doc.Markers = []Marker{{Kind: MarkerTable, Label: doc.Title, Offset: 0}}
	doc.Text = markdownTable(records[0], records[1:])
	return doc, nil
}

// ====== json ======

// JSONExtractor pretty-prints JSON and JSON Lines.
type JSONExtractor struct{}

func NewJSONExtractor() *JSONExtractor { return &JSONExtractor{} }

func (*JSONExtractor) Format() Format       { return FormatJSON }
func (*JSONExtractor) Extensions() []string { return []string{".json", ".jsonl", ".jsonld", ".ndjson"} }
func (*JSONExtractor) MIMETypes() []string {
	return []string{"application/json", "application/x-ndjson", "application/ld+json"}
}

func (*JSONExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	doc := &Document{Title: titleFromPath(src)}
	data := bytes.TrimSpace(src.Data)

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err == nil {
		doc.Text = out.String()
		return doc, nil
	}

	// JSON Lines: one entry marker per record.
	var b strings.Builder
	dec := json.NewDecoder(bytes.NewReader(data))
	for i := 1; ; i++ {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("json: record %d: %w", i, err)
		}
		pretty, _ := json.MarshalIndent(v, "", "  ")
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		doc.Markers = append(doc.Markers, Marker{Kind: MarkerEntry, Label: fmt.Sprintf("record %d", i), Offset: utf8.RuneCountInString(b.String())})
		b.Write(pretty)
	}
	doc.Text = b.String()
	return doc, nil
}

// ====== xml ======

// XMLExtractor prints the element tree with its character data.
type XMLExtractor struct{}

func NewXMLExtractor() *XMLExtractor { return &XMLExtractor{} }

func (*XMLExtractor) Format() Format       { return FormatXML }
func (*XMLExtractor) Extensions() []string { return []string{".xml", ".rss", ".atom"} }
func (*XMLExtractor) MIMETypes() []string {
	return []string{"application/xml", "text/xml", "application/rss+xml", "application/atom+xml"}
}

func (*XMLExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(src.Data))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel

	var (
		b     strings.Builder
		depth int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(t.Name.Local)
			for _, a := range t.Attr {
				fmt.Fprintf(&b, " %s=%q", a.Name.Local, a.Value)
			}
			b.WriteString(":\n")
			depth++
		case xml.EndElement:
			if depth > 0 {
				depth--
			}
		case xml.CharData:
			if s := strings.TrimSpace(string(t)); s != "" {
				b.WriteString(strings.Repeat("  ", depth))
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
	}
	return &Document{Title: titleFromPath(src), Text: strings.TrimRight(b.String(), "\n")}, nil
}
