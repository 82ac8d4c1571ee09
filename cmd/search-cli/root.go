package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pminervini/open-deep-research/agent/browser"
	"github.com/pminervini/open-deep-research/config"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/logging"
	"github.com/pminervini/open-deep-research/internal/tlsutil"
	"github.com/pminervini/open-deep-research/internal/workspace"
	"github.com/pminervini/open-deep-research/search"
	"github.com/pminervini/open-deep-research/types"
)

// Version is set at build time.
var Version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
	endpoint   string
}

// env is what every tool command needs.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
}

func (f *rootFlags) setup(userAgent string) (*env, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(f.configPath).
		WithOverride(func(c *config.Config) {
			c.Log.Level = f.logLevel
			if userAgent != "" {
				c.Browser.UserAgent = userAgent
			}
		}).
		Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

func httpClient(e *env) *http.Client {
	return tlsutil.BrowserClient(e.cfg.Browser.Timeout, e.cfg.Browser.UserAgent, nil)
}

func (f *rootFlags) providerOptions(qps float64, limited bool) []search.Option {
	var opts []search.Option
	if f.endpoint != "" {
		opts = append(opts, search.WithBaseURL(f.endpoint))
	}
	if limited {
		if qps <= 0 {
			opts = append(opts, search.WithLimiter(nil))
		} else {
			opts = append(opts, search.WithLimiter(rate.NewLimiter(rate.Limit(qps), 1)))
		}
	}
	return opts
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "search-cli",
		Short: "Run the web search and browsing tools from the shell",
		Long: `search-cli runs one of the search or browsing tools available to the research
agents and prints the text the agent would observe.

Environment: SERPER_API_KEY, SERPAPI_API_KEY, BRAVE_API_KEY and any ODR_* override
of the configuration file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "config.yaml", "configuration file (YAML); missing is fine")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "debug, info, warn or error")
	pf.StringVar(&flags.endpoint, "endpoint", "", "API endpoint URL replacing the tool's default")

	cmd.AddCommand(
		newDuckDuckGoCmd(flags, stdout),
		newGoogleCmd(flags, stdout),
		newAPICmd(flags, stdout),
		newWebSearchCmd(flags, stdout),
		newVisitCmd(flags, stdout),
		newWikipediaCmd(flags, stdout),
		newArchiveCmd(flags, stdout),
	)
	return cmd
}

// runTool sets up logging and config, runs fn and prints its output.
func runTool(ctx context.Context, flags *rootFlags, userAgent string, stdout io.Writer,
	fn func(ctx context.Context, e *env) (string, error)) error {
	e, err := flags.setup(userAgent)
	if err != nil {
		return err
	}
	defer func() { _ = e.closeLog() }()

	out, err := fn(ctx, e)
	if err != nil {
		e.logger.Debug("tool failed", zap.Error(err))
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

func searchAndRender(ctx context.Context, p search.Provider, query string, opts search.Options) (string, error) {
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return "", err
	}
	return search.Render(query, opts, results), nil
}

func newDuckDuckGoCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		maxResults int
		rateLimit  float64
	)
	cmd := &cobra.Command{
		Use:   "duckduckgo <query>",
		Short: "DuckDuckGo web search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				p := search.NewDuckDuckGo(httpClient(e), flags.providerOptions(rateLimit, cmd.Flags().Changed("rate-limit"))...)
				return searchAndRender(ctx, p, args[0], search.Options{MaxResults: maxResults})
			})
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", 10, "maximum number of results")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 1.0, "queries per second; 0 disables limiting")
	return cmd
}

func newGoogleCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		filterYear int
		provider   string
	)
	cmd := &cobra.Command{
		Use:   "google <query>",
		Short: "Google search via SerpAPI or Serper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				key := e.cfg.Search.SerpAPIKey
				if provider == search.GoogleSerper {
					key = e.cfg.Search.SerperAPIKey
				}
				p, err := search.NewGoogle(provider, key, httpClient(e), flags.providerOptions(0, false)...)
				if err != nil {
					return "", err
				}
				return searchAndRender(ctx, p, args[0], search.Options{FilterYear: filterYear})
			})
		},
	}
	cmd.Flags().IntVar(&filterYear, "filter-year", 0, "restrict results to one year")
	cmd.Flags().StringVar(&provider, "provider", search.GoogleSerpAPI, "search provider: serpapi or serper")
	return cmd
}

func newAPICmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		apiKey     string
		apiKeyName string
		rateLimit  float64
	)
	cmd := &cobra.Command{
		Use:   "api <query>",
		Short: "API-based web search (Brave Search)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				key := apiKey
				if key == "" && apiKeyName != "" {
					key = os.Getenv(apiKeyName)
				}
				if key == "" {
					key = e.cfg.Search.BraveAPIKey
				}
				p, err := search.NewBrave(key, httpClient(e), flags.providerOptions(rateLimit, cmd.Flags().Changed("rate-limit"))...)
				if err != nil {
					return "", err
				}
				return searchAndRender(ctx, p, args[0], search.Options{})
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	cmd.Flags().StringVar(&apiKeyName, "api-key-name", "", "environment variable holding the API key")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 1.0, "queries per second; 0 disables limiting")
	return cmd
}

func newWebSearchCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		maxResults int
		engine     string
	)
	cmd := &cobra.Command{
		Use:   "websearch <query>",
		Short: "Keyless web search using HTML and RSS scrapers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				p, err := search.NewWebSearch(engine, httpClient(e), flags.providerOptions(0, false)...)
				if err != nil {
					return "", err
				}
				return searchAndRender(ctx, p, args[0], search.Options{MaxResults: maxResults})
			})
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", 10, "maximum number of results")
	cmd.Flags().StringVar(&engine, "engine", search.EngineDuckDuckGo, "search engine: duckduckgo or bing")
	return cmd
}

func newWikipediaCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var (
		userAgent   string
		language    string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "wikipedia <topic>",
		Short: "Read a Wikipedia article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentType != "summary" && contentType != "text" {
				return fmt.Errorf("--content-type must be summary or text, got %q", contentType)
			}
			return runTool(cmd.Context(), flags, userAgent, stdout, func(ctx context.Context, e *env) (string, error) {
				wp := search.NewWikipedia(language, httpClient(e), flags.providerOptions(0, false)...)
				return wp.Article(ctx, args[0], contentType == "summary")
			})
		},
	}
	cmd.Flags().StringVar(&userAgent, "user-agent", "SearchCLI (open-deep-research)", "user agent string")
	cmd.Flags().StringVar(&language, "language", "en", "language code")
	cmd.Flags().StringVar(&contentType, "content-type", "text", "content type: summary or text")
	return cmd
}

func newVisitCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	var maxOutput int
	cmd := &cobra.Command{
		Use:   "visit <url>",
		Short: "Visit a webpage and print its text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				b, cleanup, err := newBrowser(e, maxOutput)
				if err != nil {
					return "", err
				}
				defer cleanup()
				return b.Visit(ctx, args[0], 0)
			})
		},
	}
	cmd.Flags().IntVar(&maxOutput, "max-output-length", 40000, "characters shown per page")
	return cmd
}

func newArchiveCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <url> <YYYYMMDD>",
		Short: "Open the Wayback Machine snapshot of a page closest to a date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd.Context(), flags, "", stdout, func(ctx context.Context, e *env) (string, error) {
				if flags.endpoint != "" {
					e.cfg.Browser.ArchiveBaseURL = flags.endpoint
				}
				b, cleanup, err := newBrowser(e, 0)
				if err != nil {
					return "", err
				}
				defer cleanup()
				out, err := b.ArchiveSearch(ctx, args[0], args[1])
				var te *types.Error
				if errors.As(err, &te) && te.Code == types.ErrArchiveNotFound {
					// a missing snapshot is an answer, not a failure
					return te.Message, nil
				}
				return out, err
			})
		},
	}
	return cmd
}

// newBrowser builds a browser whose downloads go to a throwaway directory.
// viewport 0 keeps the configured size.
func newBrowser(e *env, viewport int) (*browser.Browser, func(), error) {
	dir, err := os.MkdirTemp("", "search-cli-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	ws, err := workspace.New(dir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	bcfg := e.cfg.Browser
	if viewport > 0 {
		bcfg.ViewportSize = viewport
	}
	client := httpClient(e)
	docs := document.NewDispatcher(e.cfg.Document, document.WithHTTPClient(client), document.WithLogger(e.logger))
	b := browser.New(bcfg,
		browser.WithHTTPClient(client),
		browser.WithDispatcher(docs),
		browser.WithWorkspace(ws),
		browser.WithLogger(e.logger),
	)
	return b, cleanup, nil
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", strings.TrimSpace(err.Error()))
		return 1
	}
	return 0
}
