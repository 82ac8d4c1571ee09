package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/tlsutil"
	"github.com/pminervini/open-deep-research/internal/workspace"
	"github.com/pminervini/open-deep-research/search"
	"go.uber.org/zap"
)

// Config configures a Browser.
type Config struct {
	// ViewportSize is the page size in characters.
	ViewportSize int `yaml:"viewport_size" json:"viewport_size" validate:"gte=0"`
	// Timeout bounds every HTTP request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// MaxDownloadBytes caps response bodies. 0 means no limit.
	MaxDownloadBytes int64 `yaml:"max_download_bytes" json:"max_download_bytes" validate:"gte=0"`
	// MaxSearchResults is the result count asked from the search provider.
	MaxSearchResults int `yaml:"max_search_results" json:"max_search_results" validate:"gte=0"`
	// ArchiveBaseURL is the Wayback Machine endpoint root.
	ArchiveBaseURL string `yaml:"archive_base_url" json:"archive_base_url" validate:"omitempty,url"`
}

// DefaultConfig returns the browser defaults.
func DefaultConfig() Config {
	return Config{
		ViewportSize:     DefaultViewportSize,
		Timeout:          300 * time.Second,
		UserAgent:        tlsutil.DefaultUserAgent,
		MaxDownloadBytes: 256 << 20,
		MaxSearchResults: search.DefaultMaxResults,
		ArchiveBaseURL:   "https://archive.org",
	}
}

// Option customizes a Browser.
type Option func(*Browser)

// WithHTTPClient replaces the HTTP client. The default one is built from
// Config with WithCookieJar's jar.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Browser) { b.client = c }
}

// WithCookieJar shares a cookie jar with other browsers of the same run.
func WithCookieJar(jar http.CookieJar) Option {
	return func(b *Browser) { b.jar = jar }
}

// WithSearch sets the provider behind search: addresses and web_search.
func WithSearch(p search.Provider) Option {
	return func(b *Browser) { b.search = p }
}

// WithDispatcher sets the document dispatcher for non-HTML content.
func WithDispatcher(d *document.Dispatcher) Option {
	return func(b *Browser) { b.docs = d }
}

// WithWorkspace sets where downloads are saved.
func WithWorkspace(w *workspace.Workspace) Option {
	return func(b *Browser) { b.workspace = w }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Browser) {
		if l != nil {
			b.logger = l
		}
	}
}

// Browser is a text web browser driven by tool calls. It holds one Session
// and serializes navigation on it.
type Browser struct {
	id        string
	config    Config
	session   *Session
	client    *http.Client
	jar       http.CookieJar
	search    search.Provider
	docs      *document.Dispatcher
	workspace *workspace.Workspace
	logger    *zap.Logger

	// nav serializes operations that fetch before mutating the session.
	nav sync.Mutex
}

// New creates a browser showing about:blank.
func New(config Config, opts ...Option) *Browser {
	defaults := DefaultConfig()
	if config.ViewportSize <= 0 {
		config.ViewportSize = defaults.ViewportSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ArchiveBaseURL == "" {
		config.ArchiveBaseURL = defaults.ArchiveBaseURL
	}

	b := &Browser{
		id:     uuid.NewString(),
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = tlsutil.BrowserClient(config.Timeout, config.UserAgent, b.jar)
	}
	if b.docs == nil {
		b.docs = document.NewDispatcher(document.DefaultConfig(),
			document.WithHTTPClient(b.client), document.WithLogger(b.logger))
	}
	b.logger = b.logger.With(zap.String("component", "browser"), zap.String("browser_id", b.id))
	b.session = NewSession(config.ViewportSize)
	return b
}

// ID returns the browser identifier used in logs.
func (b *Browser) ID() string { return b.id }

// Session exposes the viewport state.
func (b *Browser) Session() *Session { return b.session }

// State returns the page header.
func (b *Browser) State() string { return b.session.State() }

// Visit loads address and returns the first viewport with its header.
//
// Addresses starting with search: or google: run the search provider,
// restricted to filterYear when it is positive. http(s) URLs are fetched,
// file:// URLs and existing local paths go to the document dispatcher, and
// other addresses are resolved against the current page.
func (b *Browser) Visit(ctx context.Context, address string, filterYear int) (string, error) {
	b.nav.Lock()
	defer b.nav.Unlock()

	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("visit: empty address")
	}
	start := time.Now()

	if query, ok := searchQuery(address); ok {
		page, err := b.searchPage(ctx, query, filterYear)
		if err != nil {
			return "", err
		}
		b.session.SetPage(address, query+" - Search", page)
		b.logger.Info("search page loaded", zap.String("query", query), zap.Int("filter_year", filterYear))
		return b.session.Render(), nil
	}

	target := resolveAddress(b.session.Address(), address)
	page, err := b.load(ctx, target)
	if err != nil {
		b.logger.Warn("visit failed", zap.String("address", target), zap.Error(err))
		return "", err
	}
	b.session.SetPage(page.address, page.title, page.text)
	b.logger.Info("page loaded",
		zap.String("address", page.address),
		zap.Int("chars", b.session.Len()),
		zap.Duration("duration", time.Since(start)))
	return b.session.Render(), nil
}

// SearchPage runs query on the search provider and returns the rendered
// results without touching the session.
func (b *Browser) SearchPage(ctx context.Context, query string, filterYear int) (string, error) {
	return b.searchPage(ctx, query, filterYear)
}

func (b *Browser) searchPage(ctx context.Context, query string, filterYear int) (string, error) {
	if b.search == nil {
		return "", fmt.Errorf("no search provider configured")
	}
	opts := search.Options{MaxResults: b.config.MaxSearchResults, FilterYear: filterYear}
	results, err := b.search.Search(ctx, query, opts)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", query, err)
	}
	return search.Render(query, opts, results), nil
}

// PageDown moves one viewport forward and returns the new view.
func (b *Browser) PageDown() (string, error) {
	if err := b.session.PageDown(); err != nil {
		return b.session.Render(), err
	}
	return b.session.Render(), nil
}

// PageUp moves one viewport back and returns the new view.
func (b *Browser) PageUp() (string, error) {
	if err := b.session.PageUp(); err != nil {
		return b.session.Render(), err
	}
	return b.session.Render(), nil
}

// Find jumps to the first occurrence of query at or after the viewport.
func (b *Browser) Find(query string) (string, error) {
	if err := b.session.Find(query); err != nil {
		return "", err
	}
	return b.session.Render(), nil
}

// FindNext jumps to the next occurrence of the last query.
func (b *Browser) FindNext() (string, error) {
	if err := b.session.FindNext(); err != nil {
		return "", err
	}
	return b.session.Render(), nil
}

// downloadDir returns the workspace, creating a temporary one on first use.
func (b *Browser) downloadDir() (*workspace.Workspace, error) {
	if b.workspace != nil {
		return b.workspace, nil
	}
	ws, err := workspace.New(filepath.Join(os.TempDir(), "odr-downloads", b.id))
	if err != nil {
		return nil, err
	}
	b.workspace = ws
	return ws, nil
}

func searchQuery(address string) (string, bool) {
	for _, prefix := range []string{"search:", "google:"} {
		if rest, ok := strings.CutPrefix(address, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}
