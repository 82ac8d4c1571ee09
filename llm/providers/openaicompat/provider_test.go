package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const okResponse = `{
  "id": "chatcmpl-1",
  "model": "test-model",
  "created": 1700000000,
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "I will search.",
      "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "web_search", "arguments": "{\"query\":\"go\"}"}}]
    }
  }],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ProviderName: "test",
		BaseURL:      srv.URL + "/v1",
		DefaultModel: "test-model",
		APIKey:       "secret",
	}, zap.NewNop()).WithHTTPClient(srv.Client())
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestCompletion_ParsesToolCalls(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body := decodeBody(t, r)
		assert.Equal(t, "test-model", body["model"])
		tools, _ := body["tools"].([]any)
		assert.Len(t, tools, 1)
		_, _ = io.WriteString(w, okResponse)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
		Tools:    []types.ToolSchema{types.NewToolSchema("web_search", "search", types.NewObjectSchema(), "string")},
	})
	require.NoError(t, err)

	msg := resp.FirstMessage()
	assert.Equal(t, "I will search.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "web_search", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestCompletion_InvalidArgumentsKeptAsString(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"visit_page","arguments":"{url: oops"}}]}}],
			"usage":{"total_tokens":3}}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{Messages: []types.Message{types.NewUserMessage("x")}})
	require.NoError(t, err)
	args := resp.FirstMessage().ToolCalls[0].Arguments
	assert.True(t, json.Valid(args))
	var s string
	require.NoError(t, json.Unmarshal(args, &s))
	assert.Equal(t, "{url: oops", s)
}

func TestCompletion_StripsOpenAIRoutingPrefix(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "gpt-oss:20b", body["model"])
		_, _ = io.WriteString(w, okResponse)
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "openai/gpt-oss:20b",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
}

func TestCompletion_StaticStopDetection(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		_, hasStop := body["stop"]
		assert.False(t, hasStop, "stop must not be sent to o3 models")
		_, _ = io.WriteString(w, okResponse)
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "o3-mini",
		Messages: []types.Message{types.NewUserMessage("hi")},
		Stop:     []string{"Observation:"},
	})
	require.NoError(t, err)
	assert.False(t, p.SupportsStopParameter("openai/o3-mini"))
	assert.True(t, p.SupportsStopParameter("gpt-4o"))
}

func TestCompletion_DynamicStopDetection(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body := decodeBody(t, r)
		if _, hasStop := body["stop"]; hasStop {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"Unsupported parameter: 'stop' is not supported with this model.","param":"stop"}}`)
			return
		}
		_, _ = io.WriteString(w, okResponse)
	})

	req := &llm.ChatRequest{
		Model:    "local-model",
		Messages: []types.Message{types.NewUserMessage("hi")},
		Stop:     []string{"Observation:"},
	}
	_, err := p.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, p.SupportsStopParameter("local-model"))

	// Learned: the next call goes straight through without stop.
	_, err = p.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompletion_HTTPErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		code      llm.ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, llm.ErrRateLimited, true},
		{http.StatusUnauthorized, llm.ErrUnauthorized, false},
		{http.StatusServiceUnavailable, llm.ErrUpstreamError, true},
		{http.StatusBadRequest, llm.ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			})
			_, err := p.Completion(context.Background(), &llm.ChatRequest{Messages: []types.Message{types.NewUserMessage("x")}})
			require.Error(t, err)
			var llmErr *llm.Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.code, llmErr.Code)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
		})
	}
}

func TestDescribeImage_SendsDataURI(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), "data:image/png;base64,")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":" A red square. "}}],"usage":{"total_tokens":1}}`)
	})

	out, err := p.DescribeImage(context.Background(), llm.ImageInput{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"}, "What is it?")
	require.NoError(t, err)
	assert.Equal(t, "A red square.", out)
}

func TestTranscribe_Segments(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		_, _ = io.WriteString(w, `{"language":"en","text":"hello world","segments":[
			{"start":0,"end":1.5,"text":" hello"},{"start":1.5,"end":3,"text":" world"}]}`)
	})

	tr, err := p.Transcribe(context.Background(), "clip.mp3", strings.NewReader("ID3"))
	require.NoError(t, err)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, "hello world", tr.Text())
	assert.Equal(t, int64(1500), tr.Segments[1].Start.Milliseconds())
}
