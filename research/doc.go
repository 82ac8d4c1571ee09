/*
Package research assembles the two-agent research team and runs questions.

A Runtime holds what research runs share: the model client (with retry and
metrics), the search provider chain (optionally cached in redis), the run
store and the metrics collector. Every question gets its own RunContext
with a fresh run ID, its own workspace directory and browser session, and a
logger scoped with run_id.

The team is a manager agent with the visualizer and inspect_file_as_text
tools, and a search_agent it delegates to. The searcher owns the text
browser tools.

Batch runs questions on a bounded worker pool and writes one JSON line per
question, in input order.
*/
package research
