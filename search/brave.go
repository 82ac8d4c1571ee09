package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave allows one request per second per subscription token, so instances
// sharing a key share a limiter.
var (
	braveLimitersMu sync.Mutex
	braveLimiters   = map[string]*rate.Limiter{}
)

func braveLimiterFor(apiKey string) *rate.Limiter {
	braveLimitersMu.Lock()
	defer braveLimitersMu.Unlock()
	l, ok := braveLimiters[apiKey]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		braveLimiters[apiKey] = l
	}
	return l
}

// Brave uses the Brave Search API.
type Brave struct {
	apiKey   string
	req      requester
	endpoint string
}

func NewBrave(apiKey string, client *http.Client, opts ...Option) (*Brave, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("brave: %w", ErrMissingAPIKey)
	}
	req, endpoint := applyOptions("brave", client, braveURL, braveLimiterFor(apiKey), opts)
	return &Brave{apiKey: apiKey, req: req, endpoint: endpoint}, nil
}

func (*Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	params := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(min(opts.limit(), 20))},
	}
	if opts.FilterYear > 0 {
		from, to := yearRange(opts.FilterYear)
		params.Set("freshness", from+"to"+to)
	}
	target := b.endpoint + "?" + params.Encode()

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
				Profile     struct {
					Name string `json:"name"`
				} `json:"profile"`
			} `json:"results"`
		} `json:"web"`
	}
	err := b.req.getJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)
		return req, nil
	}, &payload)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: stripTags(r.Description),
			Date:    r.Age,
			Source:  r.Profile.Name,
		})
	}
	return trim(results, opts), nil
}
