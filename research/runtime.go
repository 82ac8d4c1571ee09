package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/pminervini/open-deep-research/agent/persistence"
	"github.com/pminervini/open-deep-research/config"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/cache"
	"github.com/pminervini/open-deep-research/internal/metrics"
	"github.com/pminervini/open-deep-research/internal/tlsutil"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/providers"
	"github.com/pminervini/open-deep-research/llm/providers/openaicompat"
	"github.com/pminervini/open-deep-research/llm/retry"
	"github.com/pminervini/open-deep-research/search"
)

// Option customizes a Runtime. Options replace the collaborators NewRuntime
// would otherwise build from config.
type Option func(*Runtime)

// WithModel replaces the OpenAI-compatible client. The model is still
// wrapped with retry and metrics.
func WithModel(p llm.Provider) Option {
	return func(r *Runtime) { r.model = p }
}

// WithVision sets the image capability. By default the model client is used
// when it implements llm.VisionProvider.
func WithVision(v llm.VisionProvider) Option {
	return func(r *Runtime) { r.vision = v }
}

// WithTranscriber sets the speech capability.
func WithTranscriber(t llm.Transcriber) Option {
	return func(r *Runtime) { r.transcriber = t }
}

// WithSearch replaces the configured search provider chain.
func WithSearch(p search.Provider) Option {
	return func(r *Runtime) { r.search = p }
}

// WithRunStore replaces the configured run store. The caller keeps
// ownership and closes it.
func WithRunStore(s persistence.RunStore) Option {
	return func(r *Runtime) {
		r.store = s
		r.ownsStore = false
	}
}

// WithCollector replaces the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Runtime) { r.metrics = c }
}

// WithHTTPClient replaces the client used for page fetches and search.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) { r.client = c }
}

// Runtime holds what concurrent research runs share.
type Runtime struct {
	cfg *config.Config

	model       llm.Provider
	vision      llm.VisionProvider
	transcriber llm.Transcriber
	search      search.Provider
	client      *http.Client
	jar         http.CookieJar

	cache     *cache.Manager
	store     persistence.RunStore
	ownsStore bool
	recorder  *persistence.Recorder
	metrics   *metrics.Collector

	logger *zap.Logger
}

// NewRuntime builds the shared collaborators from cfg.
func NewRuntime(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("research: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{cfg: cfg, ownsStore: true, logger: logger.With(zap.String("component", "research"))}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) init() error {
	if r.metrics == nil {
		r.metrics = metrics.NewCollector(r.cfg.Metrics.Namespace, r.logger)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	r.jar = jar
	if r.client == nil {
		r.client = tlsutil.BrowserClient(r.cfg.Browser.Timeout, r.cfg.Browser.UserAgent, jar)
	}
	r.client.Transport = r.metrics.InstrumentTransport(r.client.Transport)

	if err := r.initModel(); err != nil {
		return err
	}

	if r.cfg.Cache.Enabled {
		mgr, err := cache.NewManager(r.cfg.Cache.Redis, r.logger)
		if err != nil {
			return fmt.Errorf("connect search cache: %w", err)
		}
		r.cache = mgr
	}

	if r.search == nil {
		var resultCache search.ResultCache
		if r.cache != nil {
			resultCache = r.cache
		}
		p, err := search.New(r.cfg.Search, r.client, resultCache, r.logger)
		if err != nil {
			return fmt.Errorf("create search providers: %w", err)
		}
		if cached, ok := p.(*search.CachedProvider); ok {
			p = cached.WithObserver(r.metrics)
		}
		r.search = p
	}

	if r.store == nil {
		store, err := r.openStore()
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		r.store = store
	}
	r.recorder = persistence.NewRecorder(r.store, r.logger)
	return nil
}

func (r *Runtime) initModel() error {
	if r.model == nil {
		native := r.cfg.LLM.NativeTools
		client := openaicompat.New(openaicompat.Config{
			ProviderName:       "openai",
			APIKey:             r.cfg.LLM.APIKey,
			BaseURL:            r.cfg.LLM.BaseURL,
			DefaultModel:       r.cfg.LLM.Model,
			Timeout:            r.cfg.LLM.Timeout,
			VisionModel:        r.cfg.LLM.VisionModel,
			TranscriptionModel: r.cfg.LLM.TranscriptionModel,
			SupportsTools:      &native,
		}, r.logger)
		r.model = client
	}
	if r.vision == nil {
		if v, ok := r.model.(llm.VisionProvider); ok {
			r.vision = v
		}
	}
	if r.transcriber == nil {
		if t, ok := r.model.(llm.Transcriber); ok {
			r.transcriber = t
		}
	}

	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = r.cfg.LLM.MaxRetries
	r.model = providers.NewRetryableProvider(r.model, policy, r.metrics, r.logger)
	return nil
}

// openStore shares the cache's redis client when both point at the same
// server.
func (r *Runtime) openStore() (persistence.RunStore, error) {
	pc := r.cfg.Persistence
	if pc.Type == persistence.StoreTypeRedis && r.cache != nil &&
		pc.Redis.Addr == r.cfg.Cache.Redis.Addr && pc.Redis.DB == r.cfg.Cache.Redis.DB {
		r.logger.Debug("run store shares the search cache redis client")
		return persistence.NewRedisRunStoreWithClient(r.cache.Client(), pc.Redis), nil
	}
	return persistence.NewRunStore(pc)
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Metrics returns the collector, for serving /metrics.
func (r *Runtime) Metrics() *metrics.Collector { return r.metrics }

// Store returns the run audit store.
func (r *Runtime) Store() persistence.RunStore { return r.store }

// Search returns the search provider chain.
func (r *Runtime) Search() search.Provider { return r.search }

// describer briefs the manager about attached files.
func (r *Runtime) describer(d *document.Dispatcher) *document.Describer {
	return &document.Describer{
		Dispatcher: d,
		Vision:     r.vision,
		Model:      r.model,
		ModelName:  r.cfg.LLM.Model,
		TextLimit:  r.cfg.Agent.TextLimit,
	}
}

// Close releases the store and the cache connection.
func (r *Runtime) Close() error {
	var errs []error
	if r.store != nil && r.ownsStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close run store: %w", err))
		}
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks the run store.
func (r *Runtime) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
