// Package config loads the research agent configuration.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithOverride(func(c *config.Config) { c.LLM.Model = flagModel }).
//	    Load()
//
// Precedence: defaults, YAML file, ODR_* environment variables, the
// well-known provider variables (OPENAI_API_KEY, OPENAI_BASE_URL,
// SERPER_API_KEY, SERPAPI_API_KEY, BRAVE_API_KEY), then overrides. The
// result is validated with struct tags and Validate.
//
// Environment names follow the yaml path, e.g. ODR_AGENT_MANAGER_MAX_STEPS
// or ODR_BROWSER_VIEWPORT_SIZE.
package config
