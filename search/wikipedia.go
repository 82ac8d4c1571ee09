package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Wikipedia searches one language edition through the MediaWiki API.
type Wikipedia struct {
	language string
	req      requester
	endpoint string
}

// NewWikipedia builds a provider for language ("en" when empty). The
// MediaWiki API asks callers to send an identifying User-Agent; the client's
// transport is expected to set it.
func NewWikipedia(language string, client *http.Client, opts ...Option) *Wikipedia {
	if language == "" {
		language = "en"
	}
	base := fmt.Sprintf("https://%s.wikipedia.org", language)
	req, endpoint := applyOptions("wikipedia", client, base, nil, opts)
	return &Wikipedia{language: language, req: req, endpoint: endpoint}
}

func (*Wikipedia) Name() string { return "wikipedia" }

func (w *Wikipedia) apiURL(params url.Values) string {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	return w.endpoint + "/w/api.php?" + params.Encode()
}

// PageURL returns the article address for title.
func (w *Wikipedia) PageURL(title string) string {
	return w.endpoint + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}

func (w *Wikipedia) get(ctx context.Context, target string, dst any) error {
	return w.req.getJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, dst)
}

// Search ignores FilterYear: the search index carries no publication date.
func (w *Wikipedia) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	var payload struct {
		Query struct {
			Search []struct {
				Title     string `json:"title"`
				Snippet   string `json:"snippet"`
				Timestamp string `json:"timestamp"`
			} `json:"search"`
		} `json:"query"`
	}
	target := w.apiURL(url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {strconv.Itoa(opts.limit())},
		"srprop":   {"snippet|timestamp"},
	})
	if err := w.get(ctx, target, &payload); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(payload.Query.Search))
	for _, hit := range payload.Query.Search {
		date := hit.Timestamp
		if len(date) >= 10 {
			date = "last edited " + date[:10]
		}
		results = append(results, Result{
			Title:   hit.Title,
			URL:     w.PageURL(hit.Title),
			Snippet: stripTags(hit.Snippet),
			Date:    date,
			Source:  "Wikipedia",
		})
	}
	return trim(results, opts), nil
}

// Article fetches the plain-text extract of one page. summary limits it to
// the lead section.
func (w *Wikipedia) Article(ctx context.Context, title string, summary bool) (string, error) {
	params := url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"explaintext": {"1"},
		"redirects":   {"1"},
		"titles":      {title},
	}
	if summary {
		params.Set("exintro", "1")
	}
	var payload struct {
		Query struct {
			Pages []struct {
				Title   string `json:"title"`
				Extract string `json:"extract"`
				Missing bool   `json:"missing"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := w.get(ctx, w.apiURL(params), &payload); err != nil {
		return "", err
	}
	if len(payload.Query.Pages) == 0 || payload.Query.Pages[0].Missing {
		return fmt.Sprintf("No Wikipedia page found for '%s', try a different query.", title), nil
	}
	page := payload.Query.Pages[0]
	return fmt.Sprintf("Wikipedia page: %s\n\n%s\n\nRead more: %s",
		page.Title, strings.TrimSpace(page.Extract), w.PageURL(page.Title)), nil
}

// stripTags removes HTML markup and entities from snippet fragments.
func stripTags(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
