package providers

import (
	"context"
	"errors"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/retry"
	"go.uber.org/zap"
)

// RequestObserver receives one record per model call, after retries.
type RequestObserver interface {
	ObserveLLMRequest(provider, model, status string, duration time.Duration, usage llm.ChatUsage)
}

// RetryableProvider wraps an llm.Provider with exponential-backoff retry on
// transient failures.
type RetryableProvider struct {
	inner    llm.Provider
	retryer  retry.Retryer
	observer RequestObserver
	logger   *zap.Logger
}

// NewRetryableProvider creates a retrying wrapper around inner. Only errors
// marked retryable by the provider (429, 5xx, timeouts) are retried.
func NewRetryableProvider(inner llm.Provider, policy *retry.RetryPolicy, observer RequestObserver, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.DefaultRetryPolicy()
	}
	p := *policy
	p.ShouldRetry = IsTransient
	logger = logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name()))
	return &RetryableProvider{
		inner:    inner,
		retryer:  retry.NewBackoffRetryer(&p, logger),
		observer: observer,
		logger:   logger,
	}
}

var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string { return p.inner.Name() }

func (p *RetryableProvider) SupportsNativeFunctionCalling() bool {
	return p.inner.SupportsNativeFunctionCalling()
}

// Completion performs a chat completion with retry on transient errors.
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := retry.DoWithResultTyped(p.retryer, ctx, func() (*llm.ChatResponse, error) {
		return p.inner.Completion(ctx, req)
	})

	if p.observer != nil {
		status := "success"
		var usage llm.ChatUsage
		if err != nil {
			status = "error"
		} else {
			usage = resp.Usage
		}
		p.observer.ObserveLLMRequest(p.inner.Name(), req.Model, status, time.Since(start), usage)
	}
	if err != nil {
		p.logger.Warn("completion failed", zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// IsTransient reports whether a provider error is worth retrying. Errors that
// are not *llm.Error (transport failures already mapped by the client) are
// treated as transient unless they are cancellations.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return true
}
