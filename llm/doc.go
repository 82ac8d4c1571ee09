/*
Package llm defines the model port used by the agents.

# Provider

[Provider] sends a [ChatRequest] and returns a [ChatResponse]. A provider
that reports SupportsNativeFunctionCalling receives tool schemas in the
request and answers with structured tool calls; the others are driven in
text mode and the agent parses actions out of the reply.

Two optional capabilities are discovered by type assertion:

  - [VisionProvider] describes or answers questions about an image.
  - [Transcriber] turns an audio file into a [Transcript].

# Errors

Providers fail with [*Error]. Its Retryable flag drives the retry wrapper in
llm/providers, and the code tells a rate limit apart from an upstream outage
or a rejected request.
*/
package llm
