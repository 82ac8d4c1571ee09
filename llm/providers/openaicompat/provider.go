package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pminervini/open-deep-research/internal/tlsutil"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/providers"
	"github.com/pminervini/open-deep-research/llm/tokenizer"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName identifies the provider in logs and metrics.
	ProviderName string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// BaseURL is the API root including its version segment, e.g. "http://localhost:11434/v1".
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 300s.
	Timeout time.Duration

	// EndpointPath defaults to "/chat/completions".
	EndpointPath string

	// TranscriptionPath defaults to "/audio/transcriptions".
	TranscriptionPath string

	// TranscriptionModel defaults to "whisper-1".
	TranscriptionModel string

	// VisionModel is used by DescribeImage. Defaults to DefaultModel.
	VisionModel string

	// SupportsTools reports native function calling. Defaults to true.
	SupportsTools *bool
}

// noStopModelPrefixes lists model families that reject the stop parameter.
var noStopModelPrefixes = []string{"o1", "o3", "o4", "gpt-5", "grok-3-mini", "grok-4", "grok-code"}

// Provider is an OpenAI-compatible chat, vision and transcription client.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu     sync.RWMutex
	noStop map[string]bool // models learned to reject "stop"
}

// New creates a new OpenAI-compatible provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/chat/completions"
	}
	if cfg.TranscriptionPath == "" {
		cfg.TranscriptionPath = "/audio/transcriptions"
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compatible"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "llm"), zap.String("provider", cfg.ProviderName)),
		noStop: make(map[string]bool),
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.cfg.SupportsTools != nil {
		return *p.cfg.SupportsTools
	}
	return true
}

// SupportsStopParameter reports whether stop sequences may be sent for model.
func (p *Provider) SupportsStopParameter(model string) bool {
	model = strings.TrimPrefix(strings.ToLower(model), "openai/")
	// Strip an organisation prefix such as "openai/gpt-5" or "x-ai/grok-4".
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, prefix := range noStopModelPrefixes {
		if model == prefix || strings.HasPrefix(model, prefix+"-") || strings.HasPrefix(model, prefix+":") {
			return false
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.noStop[model]
}

func (p *Provider) markNoStop(model string) {
	model = strings.TrimPrefix(strings.ToLower(model), "openai/")
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	p.mu.Lock()
	p.noStop[model] = true
	p.mu.Unlock()
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.DefaultModel, "")
	if model == "" {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "no model configured",
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}

	body := providers.OpenAICompatRequest{
		Model:       model,
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		Tools:       providers.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if len(body.Tools) > 0 && req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	if len(req.Stop) > 0 && p.SupportsStopParameter(model) {
		body.Stop = req.Stop
	}

	resp, err := p.send(ctx, &body)
	if err != nil && body.Stop != nil && rejectsStop(err) {
		p.logger.Info("provider rejected stop sequences, retrying without them", zap.String("model", model))
		p.markNoStop(model)
		body.Stop = nil
		resp, err = p.send(ctx, &body)
	}
	if err != nil {
		return nil, err
	}

	if resp.Usage.TotalTokens == 0 {
		resp.Usage = estimateUsage(model, req, resp)
	}
	return resp, nil
}

func (p *Provider) send(ctx context.Context, body *providers.OpenAICompatRequest) (*llm.ChatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	result := providers.ToLLMChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	p.logger.Debug("completion done",
		zap.String("model", body.Model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("choices", len(result.Choices)))
	return result, nil
}

// rejectsStop reports whether err is a 400 complaining about the stop parameter.
func rejectsStop(err error) bool {
	llmErr, ok := err.(*llm.Error)
	if !ok || llmErr.HTTPStatus != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(llmErr.Message)
	return strings.Contains(msg, "stop")
}

func estimateUsage(model string, req *llm.ChatRequest, resp *llm.ChatResponse) llm.ChatUsage {
	counter := tokenizer.ForModel(model)
	prompt := 0
	for _, m := range req.Messages {
		prompt += counter.CountTokens(m.Content) + 4
	}
	completion := 0
	for _, c := range resp.Choices {
		completion += counter.CountTokens(c.Message.Content)
		for _, tc := range c.Message.ToolCalls {
			completion += counter.CountTokens(string(tc.Arguments))
		}
	}
	return llm.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
