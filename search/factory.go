package search

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider kinds accepted by New.
const (
	KindGoogle     = "google"
	KindDuckDuckGo = "duckduckgo"
	KindWikipedia  = "wikipedia"
	KindBrave      = "brave"
	KindWebSearch  = "websearch"
)

// Kinds lists every provider kind in documentation order.
var Kinds = []string{KindGoogle, KindDuckDuckGo, KindWikipedia, KindBrave, KindWebSearch}

// Config selects and configures providers.
type Config struct {
	// Providers is the ordered list of kinds to chain.
	Providers []string `yaml:"providers" json:"providers" validate:"min=1,dive,oneof=google duckduckgo wikipedia brave websearch"`
	// GoogleBackend forces serper or serpapi. Empty picks whichever key is set,
	// preferring Serper.
	GoogleBackend     string        `yaml:"google_backend" json:"google_backend" validate:"omitempty,oneof=serper serpapi"`
	SerperAPIKey      string        `yaml:"-" json:"-"`
	SerpAPIKey        string        `yaml:"-" json:"-"`
	BraveAPIKey       string        `yaml:"-" json:"-"`
	WikipediaLanguage string        `yaml:"wikipedia_language" json:"wikipedia_language"`
	WebSearchEngine   string        `yaml:"websearch_engine" json:"websearch_engine" validate:"omitempty,oneof=bing duckduckgo"`
	MaxResults        int           `yaml:"max_results" json:"max_results" validate:"gte=0,lte=50"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig mirrors the CLI default of a single Google provider.
func DefaultConfig() Config {
	return Config{
		Providers:         []string{KindGoogle},
		WikipediaLanguage: "en",
		WebSearchEngine:   EngineBing,
		MaxResults:        DefaultMaxResults,
		Timeout:           30 * time.Second,
		CacheTTL:          24 * time.Hour,
	}
}

// NewProvider builds one provider of the given kind.
func NewProvider(kind string, cfg Config, client *http.Client) (Provider, error) {
	switch kind {
	case KindGoogle:
		backend, key := cfg.GoogleBackend, ""
		switch {
		case backend == GoogleSerper || (backend == "" && cfg.SerperAPIKey != ""):
			backend, key = GoogleSerper, cfg.SerperAPIKey
		case backend == GoogleSerpAPI || (backend == "" && cfg.SerpAPIKey != ""):
			backend, key = GoogleSerpAPI, cfg.SerpAPIKey
		default:
			return nil, fmt.Errorf("google: set SERPER_API_KEY or SERPAPI_API_KEY: %w", ErrMissingAPIKey)
		}
		return NewGoogle(backend, key, client)
	case KindDuckDuckGo:
		return NewDuckDuckGo(client), nil
	case KindWikipedia:
		return NewWikipedia(cfg.WikipediaLanguage, client), nil
	case KindBrave:
		p, err := NewBrave(cfg.BraveAPIKey, client)
		if err != nil {
			return nil, fmt.Errorf("%w (set BRAVE_API_KEY)", err)
		}
		return p, nil
	case KindWebSearch:
		return NewWebSearch(cfg.WebSearchEngine, client)
	}
	return nil, fmt.Errorf("unknown search provider %q", kind)
}

// New builds the provider chain for cfg.Providers. Duplicates are removed in
// order and providers that cannot be created are skipped with a warning; it
// fails only when none could be created. A non-nil cache wraps the chain.
func New(cfg Config, client *http.Client, resultCache ResultCache, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no search provider configured")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	seen := make(map[string]bool, len(cfg.Providers))
	var (
		providers []Provider
		failures  []error
	)
	for _, kind := range cfg.Providers {
		if seen[kind] {
			continue
		}
		seen[kind] = true

		p, err := NewProvider(kind, cfg, client)
		if err != nil {
			logger.Warn("failed to create search provider", zap.String("provider", kind), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		logger.Info("search provider created", zap.String("provider", kind))
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("failed to create any search provider: %w", errors.Join(failures...))
	}
	if len(failures) > 0 {
		logger.Warn("continuing with a reduced set of search providers",
			zap.Int("failed", len(failures)),
			zap.Int("working", len(providers)))
	}

	var p Provider = NewChain(logger, providers...)
	if resultCache != nil {
		p = NewCachedProvider(p, resultCache, cfg.CacheTTL, logger)
	}
	return p, nil
}
