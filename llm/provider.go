package llm

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/types"
)

// ErrorCode classifies provider failures for retry decisions.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE"
)

// Error is a provider failure with its HTTP status and retryability.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ChatRequest is one call to the model.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string             `json:"tool_choice,omitempty"` // auto/none/required
	Timeout     time.Duration      `json:"timeout,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Add accumulates other into u.
func (u *ChatUsage) Add(other ChatUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Estimated = u.Estimated || other.Estimated
}

type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// FirstMessage returns the first choice's message, or a zero assistant
// message when the provider returned no choices.
func (r *ChatResponse) FirstMessage() types.Message {
	if r == nil || len(r.Choices) == 0 {
		return types.Message{Role: types.RoleAssistant}
	}
	return r.Choices[0].Message
}

// Provider is the language model port.
type Provider interface {
	// Completion sends a chat request and returns the full response.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// SupportsNativeFunctionCalling reports whether tool schemas can be sent
	// natively. When false the agent loop asks for a JSON action blob in text.
	SupportsNativeFunctionCalling() bool
}

// ImageInput is raw image bytes handed to a vision capability.
type ImageInput struct {
	Data     []byte
	MIMEType string
}

// VisionProvider answers questions about images. It is an opaque capability:
// the agent never sees how the image is analysed.
type VisionProvider interface {
	DescribeImage(ctx context.Context, image ImageInput, prompt string) (string, error)
}

// TranscriptSegment is one time-coded span of speech.
type TranscriptSegment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is the result of a speech-to-text call.
type Transcript struct {
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments"`
}

// Text joins the segment texts into continuous prose.
func (t *Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// Transcriber converts audio to a time-coded transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*Transcript, error)
}
