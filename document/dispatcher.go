package document

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pminervini/open-deep-research/internal/workspace"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

// TruncationMarker is appended to truncated text.
const TruncationMarker = "[content truncated]"

// siblingImageExts are formats for which a pre-rendered <stem>.png is
// preferred over parsing the original.
var siblingImageExts = map[string]bool{
	".pdf": true, ".xls": true, ".xlsx": true, ".docx": true, ".doc": true, ".xml": true,
}

// Config configures a Dispatcher.
type Config struct {
	// MaxChars truncates every result. 0 disables truncation.
	MaxChars int `yaml:"max_chars" json:"max_chars" validate:"gte=0"`
	// PreferSiblingImage enables the <stem>.png rule.
	PreferSiblingImage bool `yaml:"prefer_sibling_image" json:"prefer_sibling_image"`
	// MaxFileBytes rejects larger local files. 0 means no limit.
	MaxFileBytes int64 `yaml:"max_file_bytes" json:"max_file_bytes" validate:"gte=0"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{MaxChars: 100000, PreferSiblingImage: true, MaxFileBytes: 256 << 20}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithVision backs the image extractor with a vision capability.
func WithVision(v llm.VisionProvider) Option {
	return func(d *Dispatcher) { d.vision = v }
}

// WithTranscriber backs the audio extractor with a speech capability.
func WithTranscriber(t llm.Transcriber) Option {
	return func(d *Dispatcher) { d.transcriber = t }
}

// WithHTTPClient sets the client used for remote captions.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher routes conversion requests to extractors.
type Dispatcher struct {
	mu       sync.RWMutex
	byExt    map[string]Extractor
	byMIME   map[string]Extractor
	byFormat map[Format]Extractor
	youtube  *YouTubeExtractor

	config      Config
	vision      llm.VisionProvider
	transcriber llm.Transcriber
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher with every built-in extractor registered.
func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		byExt:      make(map[string]Extractor),
		byMIME:     make(map[string]Extractor),
		byFormat:   make(map[Format]Extractor),
		config:     cfg,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "document_dispatcher"))

	d.youtube = NewYouTubeExtractor(d.httpClient)
	builtins := []Extractor{
		NewTextExtractor(),
		NewHTMLExtractor(),
		NewPDFExtractor(),
		NewSpreadsheetExtractor(),
		NewCSVExtractor(),
		NewDOCXExtractor(),
		NewPPTXExtractor(),
		NewJSONExtractor(),
		NewXMLExtractor(),
		NewZIPExtractor(d),
		NewImageExtractor(d.vision),
		NewAudioExtractor(d.transcriber),
		NewSubtitlesExtractor(),
		d.youtube,
	}
	for _, e := range builtins {
		d.Register(e)
	}
	return d
}

// Register adds or replaces an extractor for its extensions and MIME types.
func (d *Dispatcher) Register(e Extractor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ext := range e.Extensions() {
		d.byExt[strings.ToLower(ext)] = e
	}
	for _, mt := range e.MIMETypes() {
		d.byMIME[strings.ToLower(mt)] = e
	}
	d.byFormat[e.Format()] = e
}

// SupportedExtensions returns all registered extensions, sorted.
func (d *Dispatcher) SupportedExtensions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	exts := make([]string, 0, len(d.byExt))
	for ext := range d.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Classify picks the extractor for src: extension first, then the declared
// MIME type, then the binary signature of Data. Data must already be loaded
// for sniffing to take part.
func (d *Dispatcher) Classify(src *Source) (Extractor, error) {
	if src.URL != "" && IsYouTubeURL(src.URL) && len(src.Data) == 0 && src.Path == "" {
		return d.youtube, nil
	}

	name := src.Path
	if name == "" {
		name = src.Name
	}
	if name == "" && src.URL != "" {
		name = urlPath(src.URL)
	}
	ext := strings.ToLower(filepath.Ext(name))

	d.mu.RLock()
	defer d.mu.RUnlock()

	if e, ok := d.byExt[ext]; ok && ext != "" {
		return e, nil
	}

	declared := ""
	if src.MIMEType != "" {
		if mt, _, err := mime.ParseMediaType(src.MIMEType); err == nil {
			declared = strings.ToLower(mt)
			if e, ok := d.byMIME[declared]; ok {
				return e, nil
			}
			if strings.HasPrefix(declared, "text/") {
				if e, ok := d.byFormat[FormatText]; ok {
					return e, nil
				}
			}
		}
	}

	sniffed := ""
	if len(src.Data) > 0 {
		for m := mimetype.Detect(src.Data); m != nil; m = m.Parent() {
			mt := strings.ToLower(m.String())
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = strings.TrimSpace(mt[:i])
			}
			if sniffed == "" {
				sniffed = mt
			}
			if e, ok := d.byMIME[mt]; ok {
				return e, nil
			}
			if mt == "text/plain" {
				return d.byFormat[FormatText], nil
			}
		}
	}

	source := src.Path
	if source == "" {
		source = firstNonEmpty(src.URL, src.Name, "<memory>")
	}
	return nil, types.NewUnsupportedFormatError(source,
		fmt.Sprintf("ext=%q mime=%q sniffed=%q", ext, declared, sniffed))
}

// ConvertFile converts a local path.
func (d *Dispatcher) ConvertFile(ctx context.Context, path string) (*Document, error) {
	return d.Convert(ctx, Source{Path: path})
}

// Convert classifies and converts src, applying the sibling-image rule and
// truncation. The same input with no sibling always yields identical text.
func (d *Dispatcher) Convert(ctx context.Context, src Source) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src.Path == "" && len(src.Data) == 0 && src.URL == "" {
		return nil, ErrEmptySource
	}

	if src.Path != "" {
		src.Path = strings.TrimPrefix(src.Path, "file://")
		if d.config.PreferSiblingImage && siblingImageExts[strings.ToLower(filepath.Ext(src.Path))] {
			if png, ok := workspace.Sibling(src.Path, ".png"); ok {
				d.logger.Debug("using sibling image", zap.String("path", src.Path), zap.String("image", png))
				src = Source{Path: png}
			}
		}
		if len(src.Data) == 0 {
			if err := d.load(&src); err != nil {
				return nil, err
			}
		}
	}

	e, err := d.Classify(&src)
	if err != nil {
		return nil, err
	}

	doc, err := e.Convert(ctx, &src)
	if err != nil {
		return nil, fmt.Errorf("convert %s as %s: %w", sourceLabel(&src), e.Format(), err)
	}
	if doc.Source == "" {
		doc.Source = sourceLabel(&src)
	}
	if doc.Format == "" {
		doc.Format = e.Format()
	}
	d.truncate(doc)

	d.logger.Debug("document converted",
		zap.String("source", doc.Source),
		zap.String("format", string(doc.Format)),
		zap.Int("chars", utf8.RuneCountInString(doc.Text)),
		zap.Bool("truncated", doc.Truncated))
	return doc, nil
}

func (d *Dispatcher) load(src *Source) error {
	info, err := os.Stat(src.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", src.Path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("open %s: is a directory", src.Path)
	}
	if d.config.MaxFileBytes > 0 && info.Size() > d.config.MaxFileBytes {
		return fmt.Errorf("open %s: file size %d exceeds limit %d", src.Path, info.Size(), d.config.MaxFileBytes)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", src.Path, err)
	}
	src.Data = data
	return nil
}

func (d *Dispatcher) truncate(doc *Document) {
	limit := d.config.MaxChars
	if limit <= 0 || utf8.RuneCountInString(doc.Text) <= limit {
		return
	}
	runes := []rune(doc.Text)
	doc.Text = string(runes[:limit]) + "\n" + TruncationMarker
	doc.Truncated = true
	kept := doc.Markers[:0]
	for _, m := range doc.Markers {
		if m.Offset <= limit {
			kept = append(kept, m)
		}
	}
	doc.Markers = kept
}

func sourceLabel(src *Source) string {
	return firstNonEmpty(src.Path, src.URL, src.Name)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
