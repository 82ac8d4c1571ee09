package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var slidePathRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// PPTXExtractor reads slide text in slide order.
type PPTXExtractor struct{}

func NewPPTXExtractor() *PPTXExtractor { return &PPTXExtractor{} }

func (*PPTXExtractor) Format() Format       { return FormatPPTX }
func (*PPTXExtractor) Extensions() []string { return []string{".pptx"} }
func (*PPTXExtractor) MIMETypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.presentationml.presentation"}
}

type slideFile struct {
	num  int
	file *zip.File
}

func (*PPTXExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("pptx: %w", err)
	}

	var slides []slideFile
	for _, f := range zr.File {
		if m := slidePathRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slideFile{num: n, file: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	doc := &Document{Title: titleFromPath(src)}
	var b strings.Builder
	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paragraphs, err := slideParagraphs(s.file)
		if err != nil {
			return nil, fmt.Errorf("pptx: slide %d: %w", s.num, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		label := fmt.Sprintf("Slide number: %d", s.num)
		doc.Markers = append(doc.Markers, Marker{Kind: MarkerSlide, Label: label, Offset: utf8.RuneCountInString(b.String())})
		b.WriteString("<!-- " + label + " -->\n")
		b.WriteString(strings.Join(paragraphs, "\n"))
	}
	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}

// slideParagraphs collects the text runs of each <a:p> element.
func slideParagraphs(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(current.String()); s != "" {
					paragraphs = append(paragraphs, s)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}
