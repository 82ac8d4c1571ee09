package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const duckDuckGoLiteURL = "https://lite.duckduckgo.com/lite/"

// ddgLimiter is shared by every DuckDuckGo instance in the process: the lite
// endpoint throttles per client address, not per caller.
var ddgLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// DuckDuckGo scrapes the lite HTML interface. It needs no API key and has no
// year filter.
type DuckDuckGo struct {
	req      requester
	endpoint string
}

func NewDuckDuckGo(client *http.Client, opts ...Option) *DuckDuckGo {
	req, endpoint := applyOptions("duckduckgo", client, duckDuckGoLiteURL, ddgLimiter, opts)
	return &DuckDuckGo{req: req, endpoint: endpoint}
}

func (*DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	form := url.Values{"q": {query}}
	body, err := d.req.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	results, err := parseDuckDuckGoLite(body)
	if err != nil {
		return nil, err
	}
	return trim(results, opts), nil
}

// parseDuckDuckGoLite pairs each result link with the snippet cell that
// follows it.
func parseDuckDuckGoLite(page []byte) ([]Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse page: %w", err)
	}
	snippets := doc.Find("td.result-snippet")

	var results []Result
	doc.Find("a.result-link").Each(func(i int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		r := Result{Title: strings.TrimSpace(a.Text()), URL: unwrapDuckDuckGoURL(href)}
		if i < snippets.Length() {
			r.Snippet = strings.TrimSpace(snippets.Eq(i).Text())
		}
		if r.Title != "" && r.URL != "" {
			results = append(results, r)
		}
	})
	return results, nil
}

// unwrapDuckDuckGoURL resolves the //duckduckgo.com/l/?uddg= redirect links.
func unwrapDuckDuckGoURL(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return href
}
