package search

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// WebSearch engines.
const (
	EngineBing       = "bing"
	EngineDuckDuckGo = "duckduckgo"
)

var webSearchEndpoints = map[string]string{
	EngineBing:       "https://www.bing.com/search",
	EngineDuckDuckGo: "https://html.duckduckgo.com/html/",
}

// WebSearch is the keyless scraper: Bing's RSS feed or DuckDuckGo's HTML page.
type WebSearch struct {
	engine   string
	req      requester
	endpoint string
}

func NewWebSearch(engine string, client *http.Client, opts ...Option) (*WebSearch, error) {
	if engine == "" {
		engine = EngineBing
	}
	base, ok := webSearchEndpoints[engine]
	if !ok {
		return nil, fmt.Errorf("websearch: unknown engine %q", engine)
	}
	var limiter = ddgLimiter
	if engine == EngineBing {
		limiter = nil
	}
	req, endpoint := applyOptions("websearch", client, base, limiter, opts)
	return &WebSearch{engine: engine, req: req, endpoint: endpoint}, nil
}

func (*WebSearch) Name() string { return "websearch" }

func (w *WebSearch) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	target := w.endpoint + "?" + url.Values{"q": {query}}.Encode()
	if w.engine == EngineBing {
		target += "&format=rss"
	}
	body, err := w.req.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return nil, err
	}

	var results []Result
	if w.engine == EngineBing {
		results, err = parseBingRSS(body)
	} else {
		results, err = parseDuckDuckGoHTML(body)
	}
	if err != nil {
		return nil, err
	}
	return trim(results, opts), nil
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

func parseBingRSS(body []byte) ([]Result, error) {
	var feed rssFeed
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&feed); err != nil {
		return nil, fmt.Errorf("websearch: parse rss: %w", err)
	}
	results := make([]Result, 0, len(feed.Channel.Items))
	for _, it := range feed.Channel.Items {
		results = append(results, Result{
			Title:   it.Title,
			URL:     strings.TrimSpace(it.Link),
			Snippet: stripTags(it.Description),
			Date:    it.PubDate,
		})
	}
	return results, nil
}

func parseDuckDuckGoHTML(body []byte) ([]Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("websearch: parse page: %w", err)
	}
	var results []Result
	doc.Find("div.result").Each(func(_ int, s *goquery.Selection) {
		a := s.Find("a.result__a").First()
		href, _ := a.Attr("href")
		r := Result{
			Title:   strings.TrimSpace(a.Text()),
			URL:     unwrapDuckDuckGoURL(href),
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		}
		if r.Title != "" && r.URL != "" {
			results = append(results, r)
		}
	})
	return results, nil
}
