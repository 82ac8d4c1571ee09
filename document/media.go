package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pminervini/open-deep-research/llm"
)

const imageDescribePrompt = "Write a detailed caption for this image. Transcribe any text it contains."

// ImageExtractor describes an image through the vision capability. Without
// one it reports the image metadata only.
type ImageExtractor struct {
	vision llm.VisionProvider
}

func NewImageExtractor(v llm.VisionProvider) *ImageExtractor { return &ImageExtractor{vision: v} }

func (*ImageExtractor) Format() Format { return FormatImage }
func (*ImageExtractor) Extensions() []string {
	return []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}
}
func (*ImageExtractor) MIMETypes() []string {
	return []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp"}
}

func (e *ImageExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	mt := mimetype.Detect(src.Data).String()
	var b strings.Builder
	fmt.Fprintf(&b, "Image: %s\nType: %s\n", filepath.Base(firstNonEmpty(src.Path, src.Name, src.URL)), mt)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(src.Data)); err == nil {
		fmt.Fprintf(&b, "Size: %dx%d\n", cfg.Width, cfg.Height)
	}

	if e.vision != nil {
		desc, err := e.vision.DescribeImage(ctx, llm.ImageInput{Data: src.Data, MIMEType: mt}, imageDescribePrompt)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		b.WriteString("\n# Description:\n")
		b.WriteString(strings.TrimSpace(desc))
	}
	return &Document{Title: titleFromPath(src), Text: strings.TrimSpace(b.String())}, nil
}

// AudioExtractor transcribes speech into a time-coded transcript.
type AudioExtractor struct {
	transcriber llm.Transcriber
}

func NewAudioExtractor(t llm.Transcriber) *AudioExtractor { return &AudioExtractor{transcriber: t} }

func (*AudioExtractor) Format() Format { return FormatAudio }
func (*AudioExtractor) Extensions() []string {
	return []string{".mp3", ".m4a", ".wav", ".ogg", ".flac", ".webm", ".mp4"}
}
func (*AudioExtractor) MIMETypes() []string {
	return []string{"audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/wav", "audio/x-wav", "audio/ogg", "audio/flac", "audio/webm"}
}

func (e *AudioExtractor) Convert(ctx context.Context, src *Source) (*Document, error) {
	if e.transcriber == nil {
		return nil, fmt.Errorf("audio: %w", ErrNoCapability)
	}
	name := filepath.Base(firstNonEmpty(src.Path, src.Name, "audio.mp3"))
	tr, err := e.transcriber.Transcribe(ctx, name, bytes.NewReader(src.Data))
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	doc := &Document{Title: titleFromPath(src)}
	doc.Text, doc.Markers = renderTranscript(tr.Segments)
	if doc.Text == "" {
		doc.Text = "[no speech detected]"
	}
	return doc, nil
}

// renderTranscript writes "[mm:ss] text" lines with a timecode marker each.
func renderTranscript(segments []llm.TranscriptSegment) (string, []Marker) {
	var (
		b       strings.Builder
		markers []Marker
	)
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		tc := formatTimecode(s.Start)
		markers = append(markers, Marker{Kind: MarkerTimecode, Label: tc, Offset: utf8.RuneCountInString(b.String())})
		b.WriteString("[" + tc + "] " + text)
	}
	return b.String(), markers
}
