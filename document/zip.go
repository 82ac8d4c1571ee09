package document

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// maxZipEntryBytes bounds one decompressed archive member.
	maxZipEntryBytes = 64 << 20
	// maxZipDepth is how many archives may enclose a converted member.
	maxZipDepth = 3
)

// NestedArchiveSkipped replaces archives nested deeper than maxZipDepth.
const NestedArchiveSkipped = "[nested archive skipped]"

type zipDepthKey struct{}

func zipDepth(ctx context.Context) int {
	n, _ := ctx.Value(zipDepthKey{}).(int)
	return n
}

// ZIPExtractor dispatches every archive member through the owning
// Dispatcher and labels each section "## File: <name>". Members that cannot
// be converted are listed with the reason. Output stops at the dispatcher's
// MaxChars, and archives nested more than maxZipDepth levels are not opened.
type ZIPExtractor struct {
	dispatcher *Dispatcher
}

func NewZIPExtractor(d *Dispatcher) *ZIPExtractor { return &ZIPExtractor{dispatcher: d} }

func (*ZIPExtractor) Format() Format       { return FormatZIP }
func (*ZIPExtractor) Extensions() []string { return []string{".zip"} }
func (*ZIPExtractor) MIMETypes() []string {
	return []string{"application/zip", "application/x-zip-compressed"}
}

func (e *ZIPExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("zip: %w", err)
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(path.Base(f.Name), ".") || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	doc := &Document{Title: titleFromPath(src)}
	limit := e.dispatcher.config.MaxChars
	ctx = context.WithValue(ctx, zipDepthKey{}, zipDepth(ctx)+1)
	var b strings.Builder
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		doc.Markers = append(doc.Markers, Marker{Kind: MarkerSection, Label: f.Name, Offset: utf8.RuneCountInString(b.String())})
		b.WriteString("## File: " + f.Name + "\n\n")

		text, err := e.convertMember(ctx, f)
		if err != nil {
			e.dispatcher.logger.Debug("zip member skipped", zap.String("member", f.Name), zap.Error(err))
			text = "[could not convert: " + err.Error() + "]"
		}
		if limit > 0 && b.Len()+len(text) > limit {
			b.WriteString(cutRunes(text, limit-b.Len()))
			b.WriteString("\n" + TruncationMarker)
			doc.Truncated = true
			e.dispatcher.logger.Debug("zip output capped", zap.String("member", f.Name), zap.Int("max_chars", limit))
			break
		}
		b.WriteString(text)
	}
	doc.Text = strings.TrimSpace(b.String())
	return doc, nil
}

// cutRunes returns the longest prefix of s that fits in n bytes without
// splitting a rune.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *ZIPExtractor) convertMember(ctx context.Context, f *zip.File) (string, error) {
	if f.UncompressedSize64 > maxZipEntryBytes {
		return "", fmt.Errorf("member too large (%d bytes)", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes+1))
	if err != nil {
		return "", err
	}

	member := Source{Name: f.Name, Data: data}
	ex, err := e.dispatcher.Classify(&member)
	if err != nil {
		return "", err
	}
	if ex.Format() == FormatZIP && zipDepth(ctx) >= maxZipDepth {
		return NestedArchiveSkipped, nil
	}
	d, err := ex.Convert(ctx, &member)
	if err != nil {
		return "", err
	}
	return d.Text, nil
}
