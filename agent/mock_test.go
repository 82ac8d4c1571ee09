package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pminervini/open-deep-research/llm"
	llmtools "github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
)

// testProvider replays scripted responses. Planning calls (no stop sequence
// other than <end_plan>) are answered by planFn and never consume the script.
type testProvider struct {
	name           string
	supportsNative bool

	mu       sync.Mutex
	script   []types.Message
	calls    int
	requests []*llm.ChatRequest
	// completionFn, when set, replaces the script entirely.
	completionFn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	planFn       func(req *llm.ChatRequest) string
	// fallback answers action calls once the script is exhausted.
	fallback types.Message
}

func (p *testProvider) Name() string                        { return p.name }
func (p *testProvider) SupportsNativeFunctionCalling() bool { return p.supportsNative }

func (p *testProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.completionFn != nil {
		return p.completionFn(ctx, req)
	}
	if isPlanningRequest(req) {
		plan := "1. Think.\n<end_plan>"
		if p.planFn != nil {
			plan = p.planFn(req)
		}
		return textResponse(plan), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	msg := p.fallback
	if p.calls < len(p.script) {
		msg = p.script[p.calls]
	}
	p.calls++
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: msg}},
		Usage:   llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *testProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatRequest(nil), p.requests...)
}

func isPlanningRequest(req *llm.ChatRequest) bool {
	return len(req.Stop) == 1 && req.Stop[0] == "<end_plan>"
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(content)}}}
}

func textAction(name string, args any) types.Message {
	raw, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	return types.NewAssistantMessage("Thought: next step.\nAction:\n" + string(raw))
}

func nativeAction(calls ...types.ToolCall) types.Message {
	return types.NewAssistantMessage("").WithToolCalls(calls)
}

func toolCall(id, name string, args any) types.ToolCall {
	raw, _ := json.Marshal(args)
	return types.ToolCall{ID: id, Name: name, Arguments: raw}
}

// countingTool registers name and counts its invocations.
func countingTool(registry llmtools.ToolRegistry, name string, counter *atomic.Int32, out string) error {
	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		counter.Add(1)
		return llmtools.StringResult(out), nil
	}
	return registry.Register(name, fn, llmtools.ToolMetadata{
		Schema: types.NewToolSchema(name, fmt.Sprintf("Test tool %s.", name),
			types.NewObjectSchema().AddProperty("query", types.NewStringSchema()), "string"),
		Timeout: time.Second,
	})
}

// countingExecutor wraps an executor and counts executed actions.
type countingExecutor struct {
	inner    llmtools.ToolExecutor
	executed atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, call types.ToolCall) (llmtools.ToolResult, error) {
	c.executed.Add(1)
	return c.inner.Execute(ctx, call)
}

func (c *countingExecutor) ExecuteAll(ctx context.Context, calls []types.ToolCall) ([]llmtools.ToolResult, error) {
	c.executed.Add(int32(len(calls)))
	return c.inner.ExecuteAll(ctx, calls)
}

type recordingObserver struct {
	mu    sync.Mutex
	steps []string
	runs  []string
}

func (o *recordingObserver) ObserveAgentStep(_ string, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, status)
}

func (o *recordingObserver) ObserveAgentRun(_ string, status string, _ time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, status)
}
