package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pminervini/open-deep-research/agent"
	"github.com/pminervini/open-deep-research/agent/persistence"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "o1", cfg.LLM.Model)
	assert.True(t, cfg.LLM.NativeTools)
	assert.Equal(t, agent.DefaultRequestTimeout, cfg.Agent.RequestTimeout)
	assert.Equal(t, 100000, cfg.Agent.TextLimit)
	assert.True(t, cfg.Agent.ProvideRunSummary)
	assert.Equal(t, 4, cfg.Agent.Manager.PlanningInterval)
	assert.Equal(t, 4, cfg.Agent.Searcher.PlanningInterval)
	assert.Equal(t, 5120, cfg.Browser.ViewportSize)
	assert.Equal(t, "downloads", cfg.Workspace.Dir)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, persistence.StoreTypeMemory, cfg.Persistence.Type)
	assert.Equal(t, []string{"stderr"}, cfg.Log.OutputPaths)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.Metrics.Addr)

	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig_ReturnsFreshCopies(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.Log.OutputPaths[0] = "stdout"
	a.Search.Providers[0] = "duckduckgo"

	assert.Equal(t, "stderr", b.Log.OutputPaths[0])
	assert.Equal(t, "google", b.Search.Providers[0])
}
