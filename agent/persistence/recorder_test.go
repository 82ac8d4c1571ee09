package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pminervini/open-deep-research/agent"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedProvider struct {
	mu     sync.Mutex
	script []string
	calls  int
}

func (p *scriptedProvider) Name() string                        { return "scripted" }
func (p *scriptedProvider) SupportsNativeFunctionCalling() bool { return false }

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := "nothing left to say"
	if p.calls < len(p.script) {
		content = p.script[p.calls]
	}
	p.calls++
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(content)}},
		Usage:   llm.ChatUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}, nil
}

func TestRecorder_RecordsRunAndSteps(t *testing.T) {
	store := NewMemoryRunStore(DefaultStoreConfig())
	defer store.Close()
	rec := NewRecorder(store, zap.NewNop())

	registry := tools.NewDefaultRegistry(zap.NewNop())
	require.NoError(t, registry.Register("lookup",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return tools.StringResult("Paris"), nil
		},
		tools.ToolMetadata{Schema: types.NewToolSchema("lookup", "Looks things up.",
			types.NewObjectSchema().AddProperty("query", types.NewStringSchema()), "string")},
	))

	provider := &scriptedProvider{script: []string{
		"Thought: look it up.\nAction:\n{\"name\": \"lookup\", \"arguments\": {\"query\": \"capital of France\"}}",
		"Action:\n{\"name\": \"final_answer\", \"arguments\": {\"answer\": \"Paris\"}}",
	}}
	cfg := agent.DefaultConfig("manager")
	cfg.PlanningInterval = 0
	cfg.MaxSteps = 4
	a, err := agent.New(provider, registry, cfg, rec.Options()...)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "What is the capital of France?")
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, run.Status)
	assert.Equal(t, "Paris", run.Answer)
	assert.Equal(t, "What is the capital of France?", run.Task)
	assert.Equal(t, 2, run.StepsUsed)
	assert.Equal(t, 14, run.PromptTokens)
	require.NotNil(t, run.FinishedAt)

	steps, err := store.ListSteps(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Len(t, steps[0].Actions, 1)
	assert.Equal(t, "lookup", steps[0].Actions[0].Name)
	assert.Equal(t, "Paris", steps[0].Actions[0].Observation)
	assert.JSONEq(t, `{"query":"capital of France"}`, steps[0].Actions[0].Arguments)
	assert.Equal(t, 10, steps[0].TotalTokens)
	assert.Equal(t, "final_answer", steps[1].Actions[0].Name)
}

func TestRecorder_CanceledRunIsStillRecorded(t *testing.T) {
	store := NewMemoryRunStore(DefaultStoreConfig())
	defer store.Close()
	rec := NewRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.OnRun(ctx, &agent.RunResult{RunID: "r1", Agent: "manager", Status: agent.StatusCanceled}, context.Canceled)

	run, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, run.Status)
}

func TestStepFromAgent_SkippedActionHasNoObservation(t *testing.T) {
	step := agent.Step{
		Index: 3,
		Actions: []types.ToolCall{
			{ID: "a", Name: "final_answer", Arguments: json.RawMessage(`{"answer":"x"}`)},
			{ID: "b", Name: "lookup", Arguments: json.RawMessage(`{}`)},
		},
		Observations: []tools.ToolResult{{ToolCallID: "a", Name: "final_answer", Result: tools.StringResult("x")}},
		Skipped:      1,
	}
	rec := StepFromAgent("run", step)
	require.Len(t, rec.Actions, 2)
	assert.Equal(t, "x", rec.Actions[0].Observation)
	assert.Empty(t, rec.Actions[1].Observation)
	assert.Equal(t, 1, rec.Skipped)
}
