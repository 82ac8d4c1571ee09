package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pminervini/open-deep-research/agent/persistence"
	"github.com/pminervini/open-deep-research/search"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, cfg.LLM.Model)
	assert.Equal(t, 12, cfg.Agent.Manager.MaxSteps)
	assert.Equal(t, 20, cfg.Agent.Searcher.MaxSteps)
	assert.Equal(t, []string{search.KindGoogle}, cfg.Search.Providers)
}

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Browser, cfg.Browser)
}

func TestLoader_FromFile(t *testing.T) {
	path := writeConfig(t, `
llm:
  model: gpt-4o
  timeout: 90s
agent:
  searcher:
    max_steps: 30
    planning_interval: 0
browser:
  viewport_size: 2048
search:
  providers: [duckduckgo, wikipedia]
persistence:
  type: sqlite
  dsn: ":memory:"
log:
  level: debug
  format: json
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 30, cfg.Agent.Searcher.MaxSteps)
	assert.Equal(t, 0, cfg.Agent.Searcher.PlanningInterval)
	// untouched sibling keeps its default
	assert.Equal(t, 12, cfg.Agent.Manager.MaxSteps)
	assert.Equal(t, 2048, cfg.Browser.ViewportSize)
	assert.Equal(t, []string{"duckduckgo", "wikipedia"}, cfg.Search.Providers)
	assert.Equal(t, persistence.StoreTypeSQLite, cfg.Persistence.Type)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm: [unclosed")
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: gpt-4o\n")
	t.Setenv("ODR_LLM_MODEL", "o3-mini")
	t.Setenv("ODR_AGENT_MANAGER_MAX_STEPS", "5")
	t.Setenv("ODR_BROWSER_VIEWPORT_SIZE", "1024")
	t.Setenv("ODR_SEARCH_PROVIDERS", "duckduckgo, wikipedia ,")
	t.Setenv("ODR_AGENT_RUN_TIMEOUT", "10m")
	t.Setenv("ODR_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("ODR_CACHE_REDIS_ADDR", "redis:6379")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "o3-mini", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Agent.Manager.MaxSteps)
	assert.Equal(t, 1024, cfg.Browser.ViewportSize)
	assert.Equal(t, []string{"duckduckgo", "wikipedia"}, cfg.Search.Providers)
	assert.Equal(t, 10*time.Minute, cfg.Agent.RunTimeout)
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRate, 1e-9)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("ODR_AGENT_MANAGER_MAX_STEPS", "many")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ODR_AGENT_MANAGER_MAX_STEPS")
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("RESEARCH_LLM_MODEL", "gpt-4.1")
	cfg, err := NewLoader().WithEnvPrefix("RESEARCH").Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
}

func TestLoader_WellKnownKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8000/v1")
	t.Setenv("SERPER_API_KEY", "serper")
	t.Setenv("BRAVE_API_KEY", "brave")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:8000/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "serper", cfg.Search.SerperAPIKey)
	assert.Equal(t, "brave", cfg.Search.BraveAPIKey)
	assert.Empty(t, cfg.Search.SerpAPIKey)
}

func TestLoader_SearchKeysAreNotReadFromFile(t *testing.T) {
	path := writeConfig(t, "search:\n  serper_api_key: leaked\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Search.SerperAPIKey)
}

func TestLoader_OverrideRunsLast(t *testing.T) {
	t.Setenv("ODR_LLM_MODEL", "from-env")
	cfg, err := NewLoader().
		WithOverride(func(c *Config) { c.LLM.Model = "from-flag" }).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.LLM.Model)
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.LLM.APIKey == "" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero steps", mutate: func(c *Config) { c.Agent.Searcher.MaxSteps = 0 }, wantErr: "MaxSteps"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "Format"},
		{name: "unknown search provider", mutate: func(c *Config) { c.Search.Providers = []string{"altavista"} }, wantErr: "Providers"},
		{name: "sample rate", mutate: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: "SampleRate"},
		{name: "telemetry endpoint", mutate: func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.OTLPEndpoint = ""
		}, wantErr: "OTLPEndpoint"},
		{name: "batch concurrency", mutate: func(c *Config) { c.Batch.Concurrency = 0 }, wantErr: "Concurrency"},
		{name: "unknown store", mutate: func(c *Config) { c.Persistence.Type = "mongo" }, wantErr: "Type"},
		{name: "redis store without addr", mutate: func(c *Config) {
			c.Persistence.Type = persistence.StoreTypeRedis
			c.Persistence.Redis.Addr = ""
		}, wantErr: "persistence.redis.addr"},
		{name: "cache without addr", mutate: func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Redis.Addr = ""
		}, wantErr: "cache.redis.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMustLoad(t *testing.T) {
	assert.NotPanics(t, func() { MustLoad("") })

	path := writeConfig(t, "batch:\n  concurrency: 0\n")
	assert.Panics(t, func() { MustLoad(path) })
}
