package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/llm"
)

// =============================================================================
// Collector
// =============================================================================

// Collector owns a private registry so several collectors (one per test,
// one per process) never clash on metric names.
type Collector struct {
	registry *prometheus.Registry

	// LLM
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// tools
	toolExecutionsTotal   *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	// agent
	agentStepsTotal   *prometheus.CounterVec
	agentStepDuration *prometheus.HistogramVec
	agentRunsTotal    *prometheus.CounterVec
	agentRunDuration  *prometheus.HistogramVec
	agentStepsPerRun  *prometheus.HistogramVec

	// outbound fetches
	fetchRequestsTotal *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
	fetchInFlight      prometheus.Gauge

	// cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector with its metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.toolExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total number of executed actions",
		},
		[]string{"tool", "status"},
	)

	c.toolExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Action execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"tool"},
	)

	c.agentStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_steps_total",
			Help:      "Total number of agent steps",
		},
		[]string{"agent", "status"},
	)

	c.agentStepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_step_duration_seconds",
			Help:      "Agent step duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	c.agentRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of agent runs by terminal status",
		},
		[]string{"agent", "status"},
	)

	c.agentRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent"},
	)

	c.agentStepsPerRun = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_steps",
			Help:      "Steps used per agent run",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		},
		[]string{"agent"},
	)

	c.fetchRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Total number of outbound HTTP fetches",
		},
		[]string{"code", "method"},
	)

	c.fetchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Outbound HTTP fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	c.fetchInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_in_flight",
			Help:      "Outbound HTTP fetches in flight",
		},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// =============================================================================
// LLM
// =============================================================================

// ObserveLLMRequest records one model call after retries.
func (c *Collector) ObserveLLMRequest(provider, model, status string, duration time.Duration, usage llm.ChatUsage) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
}

// =============================================================================
// Tools and agents
// =============================================================================

// ObserveToolExecution records one executed action.
func (c *Collector) ObserveToolExecution(tool, status string, duration time.Duration) {
	c.toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	c.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveAgentStep records one step.
func (c *Collector) ObserveAgentStep(agent, status string, duration time.Duration) {
	c.agentStepsTotal.WithLabelValues(agent, status).Inc()
	c.agentStepDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// ObserveAgentRun records a finished run.
func (c *Collector) ObserveAgentRun(agent, status string, duration time.Duration, steps int) {
	c.agentRunsTotal.WithLabelValues(agent, status).Inc()
	c.agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
	c.agentStepsPerRun.WithLabelValues(agent).Observe(float64(steps))
}

// =============================================================================
// Fetches and cache
// =============================================================================

// InstrumentTransport wraps next so every outbound request is counted.
// A nil next uses http.DefaultTransport.
func (c *Collector) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperInFlight(c.fetchInFlight,
		promhttp.InstrumentRoundTripperCounter(c.fetchRequestsTotal,
			promhttp.InstrumentRoundTripperDuration(c.fetchDuration, next),
		),
	)
}

// RecordCacheHit counts a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss counts a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// Exposition
// =============================================================================

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.logger.Info("metrics endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
