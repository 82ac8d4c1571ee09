package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/types"
)

// MapHTTPError converts an HTTP error status into an *llm.Error with the
// right retryability.
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	e := &llm.Error{Message: msg, HTTPStatus: status, Provider: provider}
	switch status {
	case http.StatusUnauthorized:
		e.Code = llm.ErrUnauthorized
	case http.StatusForbidden:
		e.Code = llm.ErrForbidden
	case http.StatusTooManyRequests:
		e.Code = llm.ErrRateLimited
		e.Retryable = true
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			e.Code = llm.ErrQuotaExceeded
		} else {
			e.Code = llm.ErrInvalidRequest
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = llm.ErrUpstreamTimeout
		e.Retryable = true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		e.Code = llm.ErrUpstreamError
		e.Retryable = true
	case 529:
		e.Code = llm.ErrModelOverloaded
		e.Retryable = true
	default:
		e.Code = llm.ErrUpstreamError
		e.Retryable = status >= 500
	}
	return e
}

// ReadErrorMessage extracts the error message from an OpenAI-style error body,
// falling back to the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Param   string `json:"param"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		msg := errResp.Error.Message
		if errResp.Error.Param != "" {
			msg = fmt.Sprintf("%s (param: %s)", msg, errResp.Error.Param)
		}
		if errResp.Error.Type != "" {
			msg = fmt.Sprintf("%s (type: %s)", msg, errResp.Error.Type)
		}
		return msg
	}
	return strings.TrimSpace(string(data))
}

// OpenAICompatMessage is a chat message on the wire. Content is either a
// string or a list of content parts for multimodal input.
type OpenAICompatMessage struct {
	Role       string                 `json:"role"`
	Content    any                    `json:"content,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCalls  []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

type OpenAICompatContentPart struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	ImageURL *OpenAICompatImageURL  `json:"image_url,omitempty"`
}

type OpenAICompatImageURL struct {
	URL string `json:"url"`
}

type OpenAICompatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

// OpenAICompatFunction carries arguments as a JSON-encoded string, as the
// OpenAI wire format requires.
type OpenAICompatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type OpenAICompatTool struct {
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	Tools       []OpenAICompatTool    `json:"tools,omitempty"`
	ToolChoice  any                   `json:"tool_choice,omitempty"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float32               `json:"temperature,omitempty"`
	Stop        []string              `json:"stop,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
}

type OpenAICompatChoice struct {
	Index        int                 `json:"index"`
	FinishReason string              `json:"finish_reason"`
	Message      OpenAICompatMessage `json:"message"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created"`
}

// ConvertMessagesToOpenAI converts conversation messages to wire messages.
// Messages carrying images are sent as content-part lists.
func ConvertMessagesToOpenAI(msgs []types.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := OpenAICompatMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if m.Role != types.RoleTool {
			oa.Name = ""
		}
		if len(m.Images) > 0 {
			parts := []OpenAICompatContentPart{{Type: "text", Text: m.Content}}
			for _, img := range m.Images {
				parts = append(parts, OpenAICompatContentPart{
					Type:     "image_url",
					ImageURL: &OpenAICompatImageURL{URL: imageURL(img)},
				})
			}
			oa.Content = parts
		} else {
			oa.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			oa.ToolCalls = append(oa.ToolCalls, OpenAICompatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: OpenAICompatFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, oa)
	}
	return out
}

func imageURL(img types.ImageContent) string {
	if img.Type == "url" || img.Data == "" {
		return img.URL
	}
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + img.Data
}

// ConvertToolsToOpenAI converts tool schemas to wire tools.
func ConvertToolsToOpenAI(tools []types.ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAICompatTool{
			Type: "function",
			Function: OpenAICompatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// ToLLMChatResponse converts a wire response. Tool call arguments that are
// not valid JSON are kept as a JSON string literal so that the agent loop can
// report them as a parse error instead of losing them.
func ToLLMChatResponse(oa OpenAICompatResponse, provider string) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(oa.Choices))
	for _, c := range oa.Choices {
		msg := types.Message{
			Role:    types.RoleAssistant,
			Content: contentText(c.Message.Content),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: rawArguments(tc.Function.Arguments),
			})
		}
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}

	resp := &llm.ChatResponse{
		ID:       oa.ID,
		Provider: provider,
		Model:    oa.Model,
		Choices:  choices,
	}
	if oa.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		}
	}
	return resp
}

func contentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, p := range v {
			if m, ok := p.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	default:
		return fmt.Sprint(v)
	}
}

func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// ChooseModel picks the request model, then the default, then the fallback.
// A leading "openai/" routing prefix is stripped since the endpoint is
// already OpenAI-compatible.
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	model := fallbackModel
	switch {
	case req != nil && req.Model != "":
		model = req.Model
	case defaultModel != "":
		model = defaultModel
	}
	return strings.TrimPrefix(model, "openai/")
}
