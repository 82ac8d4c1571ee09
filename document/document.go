// Package document converts local files and media into plain text for the
// agents. A Dispatcher classifies each input by extension, declared MIME type
// and binary signature, then hands it to exactly one registered Extractor.
//
// Built-in extractors cover plain text, HTML, PDF, spreadsheets, CSV, DOCX,
// PPTX, JSON, XML, ZIP archives, images, audio, subtitles and YouTube captions.
package document

import (
	"context"
	"errors"
)

// Format names a document family handled by one extractor.
type Format string

const (
	FormatText        Format = "text"
	FormatHTML        Format = "html"
	FormatPDF         Format = "pdf"
	FormatSpreadsheet Format = "spreadsheet"
	FormatCSV         Format = "csv"
	FormatDOCX        Format = "docx"
	FormatPPTX        Format = "pptx"
	FormatJSON        Format = "json"
	FormatXML         Format = "xml"
	FormatZIP         Format = "zip"
	FormatImage       Format = "image"
	FormatAudio       Format = "audio"
	FormatSubtitles   Format = "subtitles"
	FormatYouTube     Format = "youtube"
)

// MarkerKind labels a structural boundary inside converted text.
type MarkerKind string

const (
	MarkerTable    MarkerKind = "table"
	MarkerSheet    MarkerKind = "sheet"
	MarkerSlide    MarkerKind = "slide"
	MarkerSection  MarkerKind = "section"
	MarkerEntry    MarkerKind = "entry"
	MarkerTimecode MarkerKind = "timecode"
	MarkerPage     MarkerKind = "page"
)

// Marker is a boundary at a rune offset of Document.Text.
type Marker struct {
	Kind   MarkerKind `json:"kind"`
	Label  string     `json:"label"`
	Offset int        `json:"offset"`
}

// Document is the immutable result of one conversion.
type Document struct {
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	Markers   []Marker `json:"markers,omitempty"`
	Source    string   `json:"source"`
	Format    Format   `json:"format"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Source is one conversion input. Either Path or Data must be set; the
// dispatcher loads Path into Data before calling an extractor.
type Source struct {
	// Path is a local file path.
	Path string
	// URL is the address the content came from, if any.
	URL string
	// Name is a file name hint used for the extension when Path is empty.
	Name string
	// MIMEType is the declared Content-Type, parameters allowed.
	MIMEType string
	Data     []byte
}

// Extractor converts one format into text.
type Extractor interface {
	Format() Format
	// Extensions lists lowercase file extensions with the leading dot.
	Extensions() []string
	// MIMETypes lists media types without parameters.
	MIMETypes() []string
	Convert(ctx context.Context, src *Source) (*Document, error)
}

var (
	// ErrEmptySource is returned when a Source carries neither Path nor Data.
	ErrEmptySource = errors.New("document source has no path or data")
	// ErrNoCapability is returned when a media extractor has no backing port.
	ErrNoCapability = errors.New("no capability configured for this media type")
)
