/*
Package providers holds what every model client shares: the OpenAI-compatible
wire structs, conversion between them and the llm/types messages, HTTP error
mapping and the retrying wrapper.

  - ConvertMessagesToOpenAI and ConvertToolsToOpenAI build request bodies.
  - ToLLMChatResponse converts a response back.
  - MapHTTPError classifies an HTTP failure as a retryable or fatal llm.Error.
  - RetryableProvider retries transient failures with backoff and reports
    every attempt to a RequestObserver.

The concrete client lives in providers/openaicompat.
*/
package providers
