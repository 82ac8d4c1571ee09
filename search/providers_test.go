package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noLimit() Option { return WithLimiter(nil) }

const ddgLitePage = `<html><body><table>
<tr><td>1.&nbsp;</td><td><a rel="nofollow" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc" class='result-link'>Documentation - The Go Programming Language</a></td></tr>
<tr><td>&nbsp;</td><td class='result-snippet'>Official <b>Go</b> documentation.</td></tr>
<tr><td>2.&nbsp;</td><td><a rel="nofollow" href="https://gobyexample.com/" class='result-link'>Go by Example</a></td></tr>
<tr><td>&nbsp;</td><td class='result-snippet'>Hands-on introduction.</td></tr>
</table></body></html>`

func TestDuckDuckGo_Search(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "golang docs", r.PostForm.Get("q"))
		_, _ = io.WriteString(w, ddgLitePage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(srv.Client(), WithBaseURL(srv.URL), noLimit())
	results, err := d.Search(context.Background(), "golang docs", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Result{
		Title:   "Documentation - The Go Programming Language",
		URL:     "https://go.dev/doc/",
		Snippet: "Official Go documentation.",
	}, results[0])
	assert.Equal(t, "https://gobyexample.com/", results[1].URL)

	limited, err := d.Search(context.Background(), "golang docs", Options{MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDuckDuckGo_BacksOffOn429(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, ddgLitePage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(srv.Client(), WithBaseURL(srv.URL), noLimit(), WithBackoff(5*time.Millisecond))
	results, err := d.Search(context.Background(), "go", Options{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDuckDuckGo_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(srv.Client(), WithBaseURL(srv.URL), noLimit(), WithBackoff(time.Millisecond))
	_, err := d.Search(context.Background(), "go", Options{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Status)
}

func TestGoogle_Serper(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mercedes sosa albums", body["q"])
		assert.Equal(t, "cdr:1,cd_min:01/01/2007,cd_max:12/31/2007", body["tbs"])
		_, _ = io.WriteString(w, `{"organic":[
			{"title":"Mercedes Sosa discography","link":"https://en.wikipedia.org/wiki/Mercedes_Sosa_discography","snippet":"Studio albums","date":"Jan 2, 2007"}]}`)
	}))
	defer srv.Close()

	g, err := NewGoogle(GoogleSerper, "secret", srv.Client(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	results, err := g.Search(context.Background(), "mercedes sosa albums", Options{FilterYear: 2007})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Jan 2, 2007", results[0].Date)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Mercedes_Sosa_discography", results[0].URL)
}

func TestGoogle_SerpAPI(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "k", q.Get("api_key"))
		assert.Equal(t, "google", q.Get("engine"))
		assert.Empty(t, q.Get("tbs"))
		_, _ = io.WriteString(w, `{"organic_results":[{"title":"A","link":"https://a.example","snippet":"s","source":"A Inc"}]}`)
	}))
	defer srv.Close()

	g, err := NewGoogle(GoogleSerpAPI, "k", srv.Client(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	results, err := g.Search(context.Background(), "a", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A Inc", results[0].Source)
}

func TestGoogle_ProviderError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"Invalid API key."}`)
	}))
	defer srv.Close()

	g, err := NewGoogle(GoogleSerpAPI, "bad", srv.Client(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = g.Search(context.Background(), "a", Options{})
	assert.ErrorContains(t, err, "Invalid API key")
}

func TestGoogle_RequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewGoogle(GoogleSerper, " ", nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = NewGoogle("bing", "k", nil)
	assert.Error(t, err)
}

func TestBrave_Search(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "brave-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "2020-01-01to2020-12-31", r.URL.Query().Get("freshness"))
		_, _ = io.WriteString(w, `{"web":{"results":[
			{"title":"Pandemic","url":"https://who.int","description":"<strong>COVID</strong> news","age":"March 1, 2020","profile":{"name":"WHO"}}]}}`)
	}))
	defer srv.Close()

	b, err := NewBrave("brave-key", srv.Client(), WithBaseURL(srv.URL), noLimit())
	require.NoError(t, err)
	results, err := b.Search(context.Background(), "covid", Options{FilterYear: 2020})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "COVID news", results[0].Snippet)
	assert.Equal(t, "WHO", results[0].Source)

	_, err = NewBrave("", nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestWikipedia_SearchAndArticle(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/w/api.php", r.URL.Path)
		switch {
		case q.Get("list") == "search":
			_, _ = io.WriteString(w, `{"query":{"search":[
				{"title":"Python (programming language)","snippet":"<span class=\"searchmatch\">Python</span> is a language","timestamp":"2024-05-01T10:00:00Z"}]}}`)
		case q.Get("prop") == "extracts" && q.Get("titles") == "Nowhere":
			_, _ = io.WriteString(w, `{"query":{"pages":[{"title":"Nowhere","missing":true}]}}`)
		case q.Get("prop") == "extracts":
			assert.Equal(t, "1", q.Get("exintro"))
			_, _ = io.WriteString(w, `{"query":{"pages":[{"title":"Python (programming language)","extract":"Python is a high-level language."}]}}`)
		}
	}))
	defer srv.Close()

	wp := NewWikipedia("en", srv.Client(), WithBaseURL(srv.URL))
	results, err := wp.Search(context.Background(), "python", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, srv.URL+"/wiki/Python_%28programming_language%29", results[0].URL)
	assert.Equal(t, "Python is a language", results[0].Snippet)
	assert.Equal(t, "last edited 2024-05-01", results[0].Date)

	text, err := wp.Article(context.Background(), "Python (programming language)", true)
	require.NoError(t, err)
	assert.Contains(t, text, "Python is a high-level language.")
	assert.Contains(t, text, "Read more: "+srv.URL+"/wiki/")

	missing, err := wp.Article(context.Background(), "Nowhere", false)
	require.NoError(t, err)
	assert.Contains(t, missing, "No Wikipedia page found")
}

func TestWebSearch_BingRSS(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rss", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0"><channel><title>Bing</title>
<item><title>Climate change - Wikipedia</title><link>https://en.wikipedia.org/wiki/Climate_change</link><description>Climate change is the long-term shift.</description><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate></item>
<item><title>No link</title><link></link></item>
</channel></rss>`)
	}))
	defer srv.Close()

	ws, err := NewWebSearch(EngineBing, srv.Client(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	results, err := ws.Search(context.Background(), "climate change", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Climate change is the long-term shift.", results[0].Snippet)
}

func TestWebSearch_DuckDuckGoHTML(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<div class="result"><h2><a class="result__a" href="https://example.com/a">Example A</a></h2>
<a class="result__snippet">First snippet</a></div>
<div class="result"><h2><a class="result__a" href="">Broken</a></h2></div>`)
	}))
	defer srv.Close()

	ws, err := NewWebSearch(EngineDuckDuckGo, srv.Client(), WithBaseURL(srv.URL), noLimit())
	require.NoError(t, err)
	results, err := ws.Search(context.Background(), "example", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Result{Title: "Example A", URL: "https://example.com/a", Snippet: "First snippet"}, results[0])

	_, err = NewWebSearch("altavista", nil)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	assert.Equal(t, 2*time.Second, retryAfter(h, 2*time.Second))
	h.Set("X-RateLimit-Reset", "3, 1419704")
	assert.Equal(t, 3*time.Second, retryAfter(h, time.Second))
	h.Set("Retry-After", "5")
	assert.Equal(t, 5*time.Second, retryAfter(h, time.Second))
	h.Set("Retry-After", "600")
	assert.Equal(t, maxBackoff, retryAfter(h, time.Second))
}
