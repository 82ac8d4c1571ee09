package document

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)

	noiseSelectors   = []string{"script", "style", "noscript", "nav", "header", "footer", "iframe", "svg", "form"}
	contentSelectors = []string{"main", "article", "#content", "#main", ".content", ".main", "#mw-content-text", "body"}
)

// HTMLExtractor converts HTML pages into markdown, keeping the main content.
type HTMLExtractor struct{}

func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

func (*HTMLExtractor) Format() Format       { return FormatHTML }
func (*HTMLExtractor) Extensions() []string { return []string{".html", ".htm", ".xhtml"} }
func (*HTMLExtractor) MIMETypes() []string  { return []string{"text/html", "application/xhtml+xml"} }

func (*HTMLExtractor) Convert(_ context.Context, src *Source) (*Document, error) {
	title, md, err := HTMLToMarkdown(src.Data, src.MIMEType, src.URL)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = titleFromPath(src)
	}
	return &Document{Title: title, Text: md, Markers: headingMarkers(md)}, nil
}

// HTMLToMarkdown decodes data using contentType and any <meta charset>,
// strips page chrome, and renders the main content as markdown. Relative
// links are resolved against baseURL when it is set.
func HTMLToMarkdown(data []byte, contentType, baseURL string) (string, string, error) {
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		r = bytes.NewReader(data)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	for _, tag := range noiseSelectors {
		doc.Find(tag).Remove()
	}

	var main string
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if h, err := sel.Html(); err == nil && strings.TrimSpace(h) != "" {
			main = h
			break
		}
	}
	if main == "" {
		main, _ = doc.Html()
	}

	var opts []converter.ConvertOptionFunc
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		opts = append(opts, converter.WithDomain(u.Scheme+"://"+u.Host))
	}
	md, err := htmltomarkdown.ConvertString(main, opts...)
	if err != nil {
		return "", "", fmt.Errorf("html to markdown: %w", err)
	}
	return title, cleanMarkdown(md), nil
}

func cleanMarkdown(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// headingMarkers records a section marker at every markdown heading.
func headingMarkers(md string) []Marker {
	var markers []Marker
	offset := 0
	for _, line := range strings.SplitAfter(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			label := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if label != "" {
				markers = append(markers, Marker{Kind: MarkerSection, Label: label, Offset: offset})
			}
		}
		offset += len([]rune(line))
	}
	return markers
}
