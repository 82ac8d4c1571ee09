package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestAgent(t *testing.T, p *testProvider, cfg Config, opts ...Option) (*Agent, *atomic.Int32) {
	t.Helper()
	registry := tools.NewDefaultRegistry(nil)
	var lookups atomic.Int32
	require.NoError(t, countingTool(registry, "lookup", &lookups, "found it"))
	a, err := New(p, registry, cfg, opts...)
	require.NoError(t, err)
	return a, &lookups
}

func quietConfig(name string, maxSteps int) Config {
	cfg := DefaultConfig(name)
	cfg.MaxSteps = maxSteps
	cfg.PlanningInterval = 0
	return cfg
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	registry := tools.NewDefaultRegistry(nil)
	_, err := New(nil, registry, DefaultConfig("a"))
	assert.Error(t, err)
	_, err = New(&testProvider{}, nil, DefaultConfig("a"))
	assert.Error(t, err)
	_, err = New(&testProvider{}, registry, Config{})
	assert.Error(t, err)

	a, err := New(&testProvider{}, registry, Config{Name: "a"})
	require.NoError(t, err)
	assert.True(t, registry.Has(tools.FinalAnswerToolName))
	assert.Equal(t, DefaultMaxSteps, a.Config().MaxSteps)
	assert.Equal(t, DefaultMaxParseErrors, a.Config().MaxParseErrors)
}

func TestAgent_AnswersInOneStepWithoutTools(t *testing.T) {
	t.Parallel()

	p := &testProvider{supportsNative: true, script: []types.Message{
		nativeAction(toolCall("c1", "final_answer", map[string]any{"answer": "4"})),
	}}
	registry := tools.NewDefaultRegistry(nil)
	exec := &countingExecutor{inner: tools.NewDefaultExecutor(registry, tools.ExecutorConfig{}, nil)}
	a, err := New(p, registry, quietConfig("manager", 12), WithExecutor(exec))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "What is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.Steps, 1)
	assert.Zero(t, exec.executed.Load())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	req := p.Requests()[0]
	assert.Equal(t, stopSequences, req.Stop)
	assert.Equal(t, "required", req.ToolChoice)
	assert.NotEmpty(t, req.Tools)
	assert.Equal(t, "New task:\nWhat is 2+2?", req.Messages[1].Content)
}

func TestAgent_TextModeActionAndObservation(t *testing.T) {
	t.Parallel()

	p := &testProvider{script: []types.Message{
		textAction("lookup", map[string]any{"query": "x"}),
		types.NewAssistantMessage("Action:\n```json\n{\"name\": \"final_answer\", \"arguments\": {\"answer\": \"done\"}}\n```"),
	}}
	a, lookups := newTestAgent(t, p, quietConfig("searcher", 5))

	res, err := a.Run(context.Background(), "find x")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Answer)
	assert.Equal(t, int32(1), lookups.Load())
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "found it", res.Steps[0].Observations[0].Observation())

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].Tools)
	assert.Contains(t, reqs[0].Messages[0].Content, "- lookup: Test tool lookup.")
	assert.Contains(t, reqs[0].Messages[0].Content, `"name": "final_answer"`)

	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, types.RoleUser, last.Role)
	assert.Equal(t, "Observation:\nfound it", last.Content)
}

func TestAgent_BudgetExhaustedAfterExactlyNSteps(t *testing.T) {
	t.Parallel()

	act := textAction("lookup", map[string]any{"query": "x"})
	p := &testProvider{script: []types.Message{act, act, act, types.NewAssistantMessage("partial answer 42")}}
	obs := &recordingObserver{}
	a, lookups := newTestAgent(t, p, quietConfig("searcher", 3), WithObserver(obs))

	res, err := a.Run(context.Background(), "never ends")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrBudgetExhausted))
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "partial answer 42", e.Partial)

	require.NotNil(t, res)
	assert.Equal(t, StatusIncomplete, res.Status)
	assert.Equal(t, "partial answer 42", res.Answer)
	assert.Len(t, res.Steps, 3)
	assert.Equal(t, int32(3), lookups.Load())

	reqs := p.Requests()
	require.Len(t, reqs, 4)
	forced := reqs[3]
	assert.Nil(t, forced.Tools)
	assert.Nil(t, forced.Stop)
	assert.Contains(t, forced.Messages[len(forced.Messages)-1].Content, "You ran out of steps")

	assert.Equal(t, []string{"action", "action", "action"}, obs.steps)
	assert.Equal(t, []string{"incomplete"}, obs.runs)
}

func TestAgent_BudgetFallsBackToLastOutput(t *testing.T) {
	t.Parallel()

	act := textAction("lookup", map[string]any{"query": "x"})
	p := &testProvider{script: []types.Message{act, act, types.NewAssistantMessage("  ")}}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 2))

	res, err := a.Run(context.Background(), "task")
	require.Error(t, err)
	assert.NotEmpty(t, strings.TrimSpace(res.Answer))
	assert.Contains(t, res.Answer, "Action:")
}

func TestAgent_PlanningInterval(t *testing.T) {
	t.Parallel()

	act := textAction("lookup", map[string]any{"query": "x"})
	final := textAction("final_answer", map[string]any{"answer": "ok"})
	var plans atomic.Int32
	p := &testProvider{
		script: []types.Message{act, act, act, act, final},
		planFn: func(*llm.ChatRequest) string {
			plans.Add(1)
			return "1. Look things up.\n<end_plan>\nignored"
		},
	}
	cfg := quietConfig("searcher", 10)
	cfg.PlanningInterval = 2
	a, _ := newTestAgent(t, p, cfg)

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	require.Len(t, res.Steps, 5)
	assert.Equal(t, int32(3), plans.Load())
	assert.Equal(t, "Here is the plan of action that I will follow to solve the task:\n1. Look things up.", res.Steps[0].Plan)
	assert.Empty(t, res.Steps[1].Plan)
	assert.True(t, strings.HasPrefix(res.Steps[2].Plan, "I still need to solve the task"))
	assert.NotEmpty(t, res.Steps[4].Plan)
}

func TestAgent_ParseErrorCeiling(t *testing.T) {
	t.Parallel()

	p := &testProvider{fallback: types.NewAssistantMessage("I think the answer is 4")}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 10))

	res, err := a.Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrParse))
	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, res.Steps, DefaultMaxParseErrors)
	for _, s := range res.Steps {
		assert.NotEmpty(t, s.ParseError)
	}

	reqs := p.Requests()
	feedback := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, types.RoleUser, feedback.Role)
	assert.Contains(t, feedback.Content, "could not be turned into an action")
}

func TestAgent_ParseErrorCounterResets(t *testing.T) {
	t.Parallel()

	junk := types.NewAssistantMessage("no action here")
	p := &testProvider{script: []types.Message{
		junk, junk,
		textAction("lookup", map[string]any{"query": "x"}),
		junk, junk,
		textAction("final_answer", map[string]any{"answer": "recovered"}),
	}}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 10))

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Answer)
	assert.Len(t, res.Steps, 6)
}

func TestAgent_UnknownActionIsParseError(t *testing.T) {
	t.Parallel()

	p := &testProvider{supportsNative: true, script: []types.Message{
		nativeAction(toolCall("c1", "teleport", map[string]any{})),
		nativeAction(toolCall("c2", "final_answer", map[string]any{"answer": "ok"})),
	}}
	a, _ := newTestAgent(t, p, quietConfig("manager", 5))

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Contains(t, res.Steps[0].ParseError, "teleport")
	assert.Empty(t, res.Steps[0].Observations)
}

func TestAgent_FinalAnswerSkipsLaterActions(t *testing.T) {
	t.Parallel()

	p := &testProvider{supportsNative: true, script: []types.Message{
		nativeAction(
			toolCall("c1", "lookup", map[string]any{"query": "a"}),
			toolCall("c2", "final_answer", map[string]any{"answer": "ok"}),
			toolCall("c3", "lookup", map[string]any{"query": "b"}),
		),
	}}
	a, lookups := newTestAgent(t, p, quietConfig("manager", 5))

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Answer)
	assert.Equal(t, int32(1), lookups.Load())
	require.Len(t, res.Steps, 1)
	s := res.Steps[0]
	assert.Equal(t, 1, s.Skipped)
	assert.Len(t, s.Actions, 2)
	require.Len(t, s.Observations, 2)
	assert.Equal(t, "found it", s.Observations[0].Observation())
	assert.Equal(t, "ok", s.Observations[1].Observation())
}

func TestAgent_InvalidFinalAnswerContinues(t *testing.T) {
	t.Parallel()

	p := &testProvider{supportsNative: true, script: []types.Message{
		nativeAction(toolCall("c1", "final_answer", map[string]any{"answer": nil})),
		nativeAction(toolCall("c2", "final_answer", map[string]any{"answer": "fixed"})),
	}}
	a, _ := newTestAgent(t, p, quietConfig("manager", 5))

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Answer)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].Observations[0].IsError())
}

func TestAgent_ClarificationFlag(t *testing.T) {
	t.Parallel()

	p := &testProvider{script: []types.Message{
		textAction("final_answer", map[string]any{"answer": "Which year?", "needs_clarification": true}),
	}}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 5))

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, res.NeedsClarification)
	assert.Equal(t, "Which year?", res.Answer)
}

func TestAgent_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := tools.NewDefaultRegistry(nil)
	require.NoError(t, registry.Register("stop", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		cancel()
		return tools.StringResult("stopping"), nil
	}, tools.ToolMetadata{Schema: types.NewToolSchema("stop", "Cancels the run.", nil, "string")}))

	p := &testProvider{fallback: textAction("stop", map[string]any{})}
	var recorded atomic.Int32
	a, err := New(p, registry, quietConfig("searcher", 10),
		WithStepCallback(func(context.Context, RunInfo, Step) { recorded.Add(1) }))
	require.NoError(t, err)

	res, err := a.Run(ctx, "task")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Len(t, res.Steps, 1, "memory recorded before cancellation is kept")
	assert.Equal(t, int32(1), recorded.Load())
}

func TestAgent_AlreadyCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &testProvider{}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 3))

	res, err := a.Run(ctx, "task")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Empty(t, res.Steps)
	assert.Empty(t, p.Requests())
}

func TestAgent_ModelErrorFailsRun(t *testing.T) {
	t.Parallel()

	p := &testProvider{completionFn: func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("upstream down")
	}}
	a, _ := newTestAgent(t, p, quietConfig("searcher", 3))

	res, err := a.Run(context.Background(), "task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, res.Steps, 1)
}

func TestAgent_RunCallbackAndRunID(t *testing.T) {
	t.Parallel()

	p := &testProvider{script: []types.Message{textAction("final_answer", map[string]any{"answer": "x"})}}
	var got *RunResult
	a, _ := newTestAgent(t, p, quietConfig("searcher", 3),
		WithRunCallback(func(_ context.Context, r *RunResult, _ error) { got = r }))

	ctx := types.WithRunID(context.Background(), "run-7")
	res, err := a.Run(ctx, "task")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-7", res.RunID)
	assert.Same(t, res, got)
}

func TestAgent_ObservationsAreTruncated(t *testing.T) {
	t.Parallel()

	registry := tools.NewDefaultRegistry(nil)
	require.NoError(t, registry.Register("big", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return tools.StringResult(strings.Repeat("a", 100)), nil
	}, tools.ToolMetadata{Schema: types.NewToolSchema("big", "Returns a lot.", nil, "string")}))

	p := &testProvider{script: []types.Message{
		textAction("big", map[string]any{}),
		textAction("final_answer", map[string]any{"answer": "x"}),
	}}
	cfg := quietConfig("searcher", 3)
	cfg.MaxObservationChars = 10
	a, err := New(p, registry, cfg)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "task")
	require.NoError(t, err)
	obs := res.Steps[0].Observations[0].Observation()
	assert.Equal(t, strings.Repeat("a", 10)+"\n"+tools.TruncationMarker, obs)
}
