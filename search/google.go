package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Google backends.
const (
	GoogleSerper  = "serper"
	GoogleSerpAPI = "serpapi"
)

var googleEndpoints = map[string]string{
	GoogleSerper:  "https://google.serper.dev/search",
	GoogleSerpAPI: "https://serpapi.com/search.json",
}

// Google queries Google through Serper or SerpAPI.
type Google struct {
	backend  string
	apiKey   string
	req      requester
	endpoint string
}

// NewGoogle builds a Google provider for backend (GoogleSerper or GoogleSerpAPI).
func NewGoogle(backend, apiKey string, client *http.Client, opts ...Option) (*Google, error) {
	base, ok := googleEndpoints[backend]
	if !ok {
		return nil, fmt.Errorf("google: unknown backend %q", backend)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("google (%s): %w", backend, ErrMissingAPIKey)
	}
	req, endpoint := applyOptions("google", client, base, nil, opts)
	return &Google{backend: backend, apiKey: apiKey, req: req, endpoint: endpoint}, nil
}

func (*Google) Name() string { return "google" }

// Backend reports which API the provider talks to.
func (g *Google) Backend() string { return g.backend }

type googleHit struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
	Source  string `json:"source"`
}

type googlePayload struct {
	Organic        []googleHit `json:"organic"`
	OrganicResults []googleHit `json:"organic_results"`
	Error          string      `json:"error"`
}

func (g *Google) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	var payload googlePayload
	var err error
	if g.backend == GoogleSerper {
		err = g.req.getJSON(ctx, g.serperRequest(query, opts), &payload)
	} else {
		err = g.req.getJSON(ctx, g.serpAPIRequest(query, opts), &payload)
	}
	if err != nil {
		return nil, err
	}
	if payload.Error != "" && !strings.Contains(payload.Error, "hasn't returned any results") {
		return nil, fmt.Errorf("google (%s): %s", g.backend, payload.Error)
	}

	hits := payload.Organic
	if len(hits) == 0 {
		hits = payload.OrganicResults
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Title:   h.Title,
			URL:     h.Link,
			Snippet: h.Snippet,
			Date:    h.Date,
			Source:  h.Source,
		})
	}
	return trim(results, opts), nil
}

func (g *Google) serperRequest(query string, opts Options) func(context.Context) (*http.Request, error) {
	body := map[string]any{"q": query, "num": opts.limit()}
	if tbs := yearTBS(opts.FilterYear); tbs != "" {
		body["tbs"] = tbs
	}
	raw, _ := json.Marshal(body)
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-KEY", g.apiKey)
		return req, nil
	}
}

func (g *Google) serpAPIRequest(query string, opts Options) func(context.Context) (*http.Request, error) {
	params := url.Values{
		"q":             {query},
		"api_key":       {g.apiKey},
		"engine":        {"google"},
		"google_domain": {"google.com"},
		"num":           {strconv.Itoa(opts.limit())},
	}
	if tbs := yearTBS(opts.FilterYear); tbs != "" {
		params.Set("tbs", tbs)
	}
	target := g.endpoint + "?" + params.Encode()
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
}

// yearTBS is Google's custom date range for one calendar year.
func yearTBS(year int) string {
	if year <= 0 {
		return ""
	}
	return fmt.Sprintf("cdr:1,cd_min:01/01/%d,cd_max:12/31/%d", year, year)
}
