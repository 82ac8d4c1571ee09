// Package search provides the web search providers behind the web_search tool
// and the browser's "search:" addresses.
//
// Available providers:
//
//   - DuckDuckGo: no API key, scrapes lite.duckduckgo.com, 1 query per second
//   - Google: Serper or SerpAPI JSON endpoints, requires an API key
//   - Brave: Brave Search API, requires an API key
//   - Wikipedia: MediaWiki search API
//   - WebSearch: Bing RSS or DuckDuckGo HTML scraping, no API key
//
// Providers can be chained (first non-empty answer wins) and wrapped in a
// redis-backed CachedProvider.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxResults is used when Options.MaxResults is zero.
const DefaultMaxResults = 10

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("search: query is empty")

// ErrMissingAPIKey is returned when a keyed provider is built without a key.
var ErrMissingAPIKey = errors.New("search: API key is missing")

// Options tune one query.
type Options struct {
	MaxResults int
	// FilterYear restricts results to one calendar year. 0 disables it.
	FilterYear int
}

func (o Options) limit() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// Result is one ranked hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Date    string `json:"date,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Provider executes a query and returns ranked results. An empty slice with a
// nil error means the engine found nothing.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Render formats results as the page shown to the agent. An empty list
// renders a "No results found" page instead of failing.
func Render(query string, opts Options, results []Result) string {
	if len(results) == 0 {
		if opts.FilterYear > 0 {
			return fmt.Sprintf("No results found for '%s' with filter year=%d. Try with a more general query, or remove the year filter.",
				query, opts.FilterYear)
		}
		return fmt.Sprintf("No results found for '%s'. Try with a more general query.", query)
	}

	var b strings.Builder
	if opts.FilterYear > 0 {
		fmt.Fprintf(&b, "A web search for '%s' restricted to %d found %d results:\n\n## Web Results\n",
			query, opts.FilterYear, len(results))
	} else {
		fmt.Fprintf(&b, "A web search for '%s' found %d results:\n\n## Web Results\n", query, len(results))
	}
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. [%s](%s)", i+1, r.Title, r.URL)
		if r.Date != "" {
			b.WriteString("\nDate published: " + r.Date)
		}
		if r.Source != "" {
			b.WriteString("\nSource: " + r.Source)
		}
		if r.Snippet != "" {
			b.WriteString("\n" + r.Snippet)
		}
	}
	return b.String()
}

// Chain queries providers in order and returns the first non-empty result
// list. Provider errors are logged and skipped; the joined errors are
// returned only when every provider failed.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

// NewChain builds a chain over providers.
func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{providers: providers, logger: logger.With(zap.String("component", "search"))}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

// Providers returns the chained providers in query order.
func (c *Chain) Providers() []Provider { return c.providers }

func (c *Chain) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	var (
		errs      []error
		succeeded bool
	)
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := p.Search(ctx, query, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("search provider failed",
				zap.String("provider", p.Name()),
				zap.String("query", query),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		succeeded = true
		if len(results) > 0 {
			c.logger.Debug("search completed",
				zap.String("provider", p.Name()),
				zap.Int("results", len(results)))
			return results, nil
		}
	}
	if !succeeded && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

// trim caps results at the option limit and drops entries without a URL.
func trim(results []Result, opts Options) []Result {
	out := results[:0]
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		r.Title = strings.TrimSpace(r.Title)
		r.Snippet = strings.TrimSpace(r.Snippet)
		out = append(out, r)
		if len(out) >= opts.limit() {
			break
		}
	}
	return out
}
