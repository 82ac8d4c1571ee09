/*
Package metrics collects Prometheus metrics for research runs.

Collector registers everything on a private registry and implements the
observer ports of the rest of the module:

  - tools.ExecutionObserver: tool_executions_total, tool_execution_duration_seconds
  - agent.Observer: agent_steps_total, agent_runs_total and their durations
  - providers.RequestObserver: llm_requests_total, llm_tokens_used_total
  - search.CacheObserver: cache_hits_total, cache_misses_total

InstrumentTransport counts outbound fetches by status code, and Serve
exposes /metrics through promhttp.
*/
package metrics
