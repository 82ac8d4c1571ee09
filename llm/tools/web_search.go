package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

// WebSearchFunc runs a search and returns the rendered results page. filterYear
// is 0 when no year restriction applies.
type WebSearchFunc func(ctx context.Context, query string, filterYear int) (string, error)

// WebSearchToolConfig configures the web search tool.
type WebSearchToolConfig struct {
	Search    WebSearchFunc
	Timeout   time.Duration
	RateLimit *RateLimitConfig
}

// DefaultWebSearchToolConfig returns sensible defaults.
func DefaultWebSearchToolConfig() WebSearchToolConfig {
	return WebSearchToolConfig{
		Timeout:   60 * time.Second,
		RateLimit: &RateLimitConfig{Rate: 1, Burst: 2},
	}
}

type webSearchArgs struct {
	Query      string `json:"query"`
	FilterYear *int   `json:"filter_year,omitempty"`
}

// NewWebSearchTool creates the web_search ToolFunc.
func NewWebSearchTool(config WebSearchToolConfig, logger *zap.Logger) (ToolFunc, ToolMetadata) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("tool", "web_search"))

	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var params webSearchArgs
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("invalid web_search arguments: %w", err)
		}
		if params.Query == "" {
			return nil, types.NewInvalidArgumentError("query", "query must not be empty")
		}
		if config.Search == nil {
			return nil, fmt.Errorf("web search provider not configured")
		}

		year := 0
		if params.FilterYear != nil {
			year = *params.FilterYear
		}

		start := time.Now()
		page, err := config.Search(ctx, params.Query, year)
		if err != nil {
			logger.Warn("web search failed", zap.String("query", params.Query), zap.Error(err))
			return nil, fmt.Errorf("web search failed: %w", err)
		}
		logger.Info("web search completed",
			zap.String("query", params.Query),
			zap.Int("filter_year", year),
			zap.Duration("duration", time.Since(start)))
		return StringResult(page), nil
	}

	params := types.NewObjectSchema().
		AddProperty("query", types.NewStringSchema().
			WithDescription("The web search query to perform.")).
		AddProperty("filter_year", types.NewIntegerSchema().AsNullable().
			WithDescription("Optionally restrict results to a certain year.")).
		AddRequired("query")

	metadata := ToolMetadata{
		Schema: types.NewToolSchema("web_search",
			"Perform a web search query (think a google search) and returns the search results.",
			params, "string"),
		Timeout:   config.Timeout,
		RateLimit: config.RateLimit,
	}
	return fn, metadata
}

// RegisterWebSearchTool creates and registers the web search tool.
func RegisterWebSearchTool(registry ToolRegistry, config WebSearchToolConfig, logger *zap.Logger) error {
	fn, metadata := NewWebSearchTool(config, logger)
	return registry.Register("web_search", fn, metadata)
}
