package config

import (
	"github.com/pminervini/open-deep-research/agent"
	"github.com/pminervini/open-deep-research/agent/browser"
	"github.com/pminervini/open-deep-research/agent/persistence"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/cache"
	"github.com/pminervini/open-deep-research/search"
)

// DefaultModel matches the reference research setup.
const DefaultModel = "o1"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM:         DefaultLLMConfig(),
		Agent:       DefaultAgentConfig(),
		Browser:     browser.DefaultConfig(),
		Search:      search.DefaultConfig(),
		Document:    document.DefaultConfig(),
		Workspace:   WorkspaceConfig{Dir: "downloads", Keep: true},
		Cache:       CacheConfig{Redis: cache.DefaultConfig()},
		Log:         DefaultLogConfig(),
		Metrics:     MetricsConfig{Namespace: "odr"},
		Telemetry:   DefaultTelemetryConfig(),
		Persistence: persistence.DefaultStoreConfig(),
		Batch:       BatchConfig{Concurrency: 4, Output: "answers.jsonl"},
	}
}

// DefaultLLMConfig targets the public OpenAI endpoint.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:       DefaultModel,
		BaseURL:     "https://api.openai.com/v1",
		Timeout:     agent.DefaultRequestTimeout,
		MaxRetries:  3,
		NativeTools: true,
	}
}

// DefaultAgentConfig gives the manager a short budget and the searcher a
// long one. Both plan every fourth step.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Manager: AgentBudget{
			MaxSteps:            12,
			PlanningInterval:    agent.DefaultPlanningInterval,
			MaxParseErrors:      agent.DefaultMaxParseErrors,
			MaxTokens:           agent.DefaultMaxTokens,
			MaxObservationChars: agent.DefaultMaxObservationChars,
		},
		Searcher: AgentBudget{
			MaxSteps:            20,
			PlanningInterval:    agent.DefaultPlanningInterval,
			MaxParseErrors:      agent.DefaultMaxParseErrors,
			MaxTokens:           agent.DefaultMaxTokens,
			MaxObservationChars: agent.DefaultMaxObservationChars,
		},
		ProvideRunSummary: true,
		RequestTimeout:    agent.DefaultRequestTimeout,
		TextLimit:         100000,
	}
}

// DefaultLogConfig logs info and above to stderr in console format.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "console",
		OutputPaths: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// DefaultTelemetryConfig leaves export off.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "open-deep-research",
		SampleRate:   1.0,
	}
}
