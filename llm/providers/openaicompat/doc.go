// Package openaicompat implements the language model port against any
// OpenAI-compatible Chat Completions endpoint (OpenAI, Ollama, LM Studio,
// vLLM, LiteLLM proxies).
//
// Provider quirks are feature-detected rather than assumed:
//
//   - Model families known to reject the "stop" parameter never receive it.
//   - A 400 response that names the "stop" parameter is retried once without
//     it, and the provider remembers the model as stop-incapable.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "ollama",
//	    BaseURL:      "http://localhost:11434/v1",
//	    DefaultModel: "gpt-oss:20b",
//	}, logger)
package openaicompat
