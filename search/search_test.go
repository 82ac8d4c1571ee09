package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pminervini/open-deep-research/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	s.calls++
	return s.results, s.err
}

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    Options
		results []Result
		want    string
	}{
		{
			name: "empty",
			want: "No results found for 'q'. Try with a more general query.",
		},
		{
			name: "empty with year",
			opts: Options{FilterYear: 2020},
			want: "No results found for 'q' with filter year=2020. Try with a more general query, or remove the year filter.",
		},
		{
			name: "results",
			results: []Result{
				{Title: "A", URL: "https://a", Snippet: "about a", Date: "2020", Source: "Src"},
				{Title: "B", URL: "https://b"},
			},
			want: "A web search for 'q' found 2 results:\n\n## Web Results\n" +
				"1. [A](https://a)\nDate published: 2020\nSource: Src\nabout a\n\n" +
				"2. [B](https://b)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render("q", tt.opts, tt.results))
		})
	}
}

func TestChain_FirstNonEmptyWins(t *testing.T) {
	t.Parallel()
	failing := &stubProvider{name: "google", err: errors.New("quota")}
	empty := &stubProvider{name: "wikipedia"}
	good := &stubProvider{name: "duckduckgo", results: []Result{{Title: "x", URL: "https://x"}}}
	unused := &stubProvider{name: "brave", results: []Result{{Title: "y", URL: "https://y"}}}

	c := NewChain(zap.NewNop(), failing, empty, good, unused)
	assert.Equal(t, "google+wikipedia+duckduckgo+brave", c.Name())

	results, err := c.Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, good.results, results)
	assert.Equal(t, 0, unused.calls)
}

func TestChain_AllFailed(t *testing.T) {
	t.Parallel()
	c := NewChain(nil,
		&stubProvider{name: "a", err: errors.New("boom")},
		&stubProvider{name: "b", err: errors.New("bang")})

	_, err := c.Search(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "a: boom")
	assert.ErrorContains(t, err, "b: bang")
}

func TestChain_EmptyIsNotAnError(t *testing.T) {
	t.Parallel()
	c := NewChain(nil,
		&stubProvider{name: "a", err: errors.New("boom")},
		&stubProvider{name: "b"})

	results, err := c.Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = c.Search(context.Background(), "  ", Options{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestChain_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &stubProvider{name: "a"}
	_, err := NewChain(nil, p).Search(ctx, "q", Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.calls)
}

func TestNew_SkipsFailedAndDeduplicates(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Providers = []string{KindGoogle, KindDuckDuckGo, KindWikipedia, KindDuckDuckGo, KindBrave}

	p, err := New(cfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	chain, ok := p.(*Chain)
	require.True(t, ok)

	var names []string
	for _, sub := range chain.Providers() {
		names = append(names, sub.Name())
	}
	assert.Equal(t, []string{"duckduckgo", "wikipedia"}, names)
}

func TestNew_GoogleBackendSelection(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SerpAPIKey = "serpapi-key"
	p, err := NewProvider(KindGoogle, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, GoogleSerpAPI, p.(*Google).Backend())

	cfg.SerperAPIKey = "serper-key"
	p, err = NewProvider(KindGoogle, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, GoogleSerper, p.(*Google).Backend())
}

func TestNew_NothingCreated(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Providers = []string{KindGoogle, KindBrave}

	_, err := New(cfg, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = New(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestCachedProvider(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), Prefix: "odr:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	inner := &stubProvider{name: "duckduckgo", results: []Result{{Title: "x", URL: "https://x", Snippet: "s"}}}
	p := NewCachedProvider(inner, manager, time.Hour, nil)
	assert.Equal(t, "duckduckgo", p.Name())

	ctx := context.Background()
	first, err := p.Search(ctx, "Query", Options{FilterYear: 2020})
	require.NoError(t, err)
	second, err := p.Search(ctx, " query ", Options{FilterYear: 2020})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)

	// a different year is a different key
	_, err = p.Search(ctx, "query", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	key := "odr:" + cacheKey("duckduckgo", "query", Options{FilterYear: 2020})
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestCachedProvider_DoesNotCacheEmptyOrErrors(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	inner := &stubProvider{name: "wikipedia"}
	p := NewCachedProvider(inner, manager, time.Hour, nil)
	_, _ = p.Search(context.Background(), "q", Options{})
	_, _ = p.Search(context.Background(), "q", Options{})
	assert.Equal(t, 2, inner.calls)
	assert.Empty(t, mr.Keys())
}

func TestCachedProvider_CacheDownFallsThrough(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	mr.Close()

	inner := &stubProvider{name: "a", results: []Result{{Title: "x", URL: "https://x"}}}
	results, err := NewCachedProvider(inner, manager, time.Hour, nil).Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
