package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pminervini/open-deep-research/llm"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/pminervini/open-deep-research/agent"

// Defaults shared by every agent unless overridden.
const (
	DefaultMaxSteps            = 20
	DefaultPlanningInterval    = 4
	DefaultMaxParseErrors      = 3
	DefaultMaxObservationChars = 100000
	DefaultMaxTokens           = 8192
	DefaultRequestTimeout      = 300 * time.Second
)

// stopSequences end the action call before the model starts inventing
// observations of its own.
var stopSequences = []string{"Observation:", "Calling tools:"}

// Config configures one agent.
type Config struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description" json:"description"`
	Model       string `yaml:"model" json:"model"`
	// MaxSteps is the number of action steps before the forced answer.
	MaxSteps int `yaml:"max_steps" json:"max_steps" validate:"gte=1"`
	// PlanningInterval triggers a planning call every N steps. 0 disables planning.
	PlanningInterval int `yaml:"planning_interval" json:"planning_interval" validate:"gte=0"`
	// MaxParseErrors aborts the run after that many consecutive unparseable outputs.
	MaxParseErrors      int           `yaml:"max_parse_errors" json:"max_parse_errors" validate:"gte=1"`
	MaxObservationChars int           `yaml:"max_observation_chars" json:"max_observation_chars" validate:"gte=0"`
	MaxTokens           int           `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature         float32       `yaml:"temperature" json:"temperature"`
	RequestTimeout      time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// Instructions are appended to the system prompt.
	Instructions string `yaml:"instructions" json:"instructions"`
}

// DefaultConfig returns the defaults for an agent called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxSteps:            DefaultMaxSteps,
		PlanningInterval:    DefaultPlanningInterval,
		MaxParseErrors:      DefaultMaxParseErrors,
		MaxObservationChars: DefaultMaxObservationChars,
		MaxTokens:           DefaultMaxTokens,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Name)
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxParseErrors <= 0 {
		c.MaxParseErrors = d.MaxParseErrors
	}
	if c.PlanningInterval < 0 {
		c.PlanningInterval = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

// Status is the outcome of a run.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// RunResult is what a run leaves behind. Run returns it even on failure so
// the recorded steps stay available.
type RunResult struct {
	RunID              string        `json:"run_id"`
	ParentRunID        string        `json:"parent_run_id,omitempty"`
	Agent              string        `json:"agent"`
	Task               string        `json:"task"`
	Answer             string        `json:"answer"`
	NeedsClarification bool          `json:"needs_clarification,omitempty"`
	Status             Status        `json:"status"`
	Steps              []Step        `json:"steps"`
	Usage              llm.ChatUsage `json:"usage"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`

	Memory *Memory `json:"-"`
}

// RunInfo identifies the run a step belongs to.
type RunInfo struct {
	RunID       string
	ParentRunID string
	Agent       string
	Task        string
}

// StepCallback is invoked after every recorded step.
type StepCallback func(ctx context.Context, info RunInfo, step Step)

// RunCallback is invoked once when a run ends, whatever the outcome.
type RunCallback func(ctx context.Context, result *RunResult, err error)

// Observer receives run and step outcomes, typically the metrics collector.
type Observer interface {
	ObserveAgentStep(agent, status string, duration time.Duration)
	ObserveAgentRun(agent, status string, duration time.Duration, steps int)
}

// Option customizes an Agent.
type Option func(*Agent)

// WithExecutor replaces the default executor built over the registry.
func WithExecutor(e tools.ToolExecutor) Option {
	return func(a *Agent) { a.executor = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithStepCallback adds a step callback.
func WithStepCallback(cb StepCallback) Option {
	return func(a *Agent) { a.stepCallbacks = append(a.stepCallbacks, cb) }
}

// WithRunCallback adds a run callback.
func WithRunCallback(cb RunCallback) Option {
	return func(a *Agent) { a.runCallbacks = append(a.runCallbacks, cb) }
}

// WithObserver attaches an observer.
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// Agent runs the think/act/observe loop over a tool registry. An Agent holds
// no per-run state, so concurrent runs are safe as long as its tools are.
type Agent struct {
	config        Config
	provider      llm.Provider
	registry      tools.ToolRegistry
	executor      tools.ToolExecutor
	managed       []ManagedInfo
	stepCallbacks []StepCallback
	runCallbacks  []RunCallback
	observer      Observer
	tracer        trace.Tracer
	logger        *zap.Logger
}

// New builds an agent. final_answer is registered when the registry lacks it.
func New(provider llm.Provider, registry tools.ToolRegistry, config Config, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if registry == nil {
		return nil, errors.New("agent: registry is required")
	}
	if strings.TrimSpace(config.Name) == "" {
		return nil, errors.New("agent: name is required")
	}
	config.applyDefaults()

	a := &Agent{
		config:   config,
		provider: provider,
		registry: registry,
		tracer:   otel.Tracer(tracerName),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "agent"), zap.String("agent", config.Name))

	if !registry.Has(tools.FinalAnswerToolName) {
		if err := tools.RegisterFinalAnswerTool(registry); err != nil {
			return nil, err
		}
	}
	if a.executor == nil {
		a.executor = tools.NewDefaultExecutor(registry, tools.ExecutorConfig{
			MaxConcurrency:      4,
			MaxObservationChars: config.MaxObservationChars,
		}, a.logger)
	}
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.config.Name }

// Description returns the agent description shown to delegators.
func (a *Agent) Description() string { return a.config.Description }

// Config returns a copy of the effective configuration.
func (a *Agent) Config() Config { return a.config }

// Registry returns the tool registry.
func (a *Agent) Registry() tools.ToolRegistry { return a.registry }

// runState is the mutable state of a single run.
type runState struct {
	info          RunInfo
	memory        *Memory
	system        string
	native        bool
	schemas       []types.ToolSchema
	names         []string
	parseFailures int
	usage         llm.ChatUsage
	logger        *zap.Logger
}

// Run executes task until final_answer, budget exhaustion, cancellation or a
// fatal error. On budget exhaustion the error is BUDGET_EXHAUSTED and both
// the error and the result carry the forced partial answer.
func (a *Agent) Run(ctx context.Context, task string) (*RunResult, error) {
	runID, ok := types.RunID(ctx)
	if !ok || runID == "" {
		runID = uuid.NewString()
		ctx = types.WithRunID(ctx, runID)
	}
	ctx = types.WithAgentName(ctx, a.config.Name)
	parentID, _ := types.ParentRunID(ctx)

	ctx, span := a.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", a.config.Name),
		attribute.String("agent.run_id", runID),
		attribute.Int("agent.max_steps", a.config.MaxSteps),
	))
	defer span.End()

	start := time.Now()
	native := a.provider.SupportsNativeFunctionCalling()
	schemas := a.registry.List()
	rs := &runState{
		info:    RunInfo{RunID: runID, ParentRunID: parentID, Agent: a.config.Name, Task: task},
		memory:  NewMemory(task),
		system:  buildSystemPrompt(a.config, schemas, a.managed, native),
		native:  native,
		schemas: schemas,
		names:   a.registry.Names(),
		logger:  a.logger.With(zap.String("run_id", runID)),
	}
	rs.logger.Info("run started", zap.Int("max_steps", a.config.MaxSteps), zap.Bool("native_tools", native))

	result := &RunResult{RunID: runID, ParentRunID: parentID, Agent: a.config.Name, Task: task, Memory: rs.memory}
	finish := func(status Status, err error) (*RunResult, error) {
		result.Status = status
		result.Steps = rs.memory.Steps()
		result.Usage = rs.usage
		result.Duration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
		}
		span.SetAttributes(attribute.String("agent.status", string(status)), attribute.Int("agent.steps", len(result.Steps)))
		if a.observer != nil {
			a.observer.ObserveAgentRun(a.config.Name, string(status), result.Duration, len(result.Steps))
		}
		for _, cb := range a.runCallbacks {
			cb(ctx, result, err)
		}
		rs.logger.Info("run finished",
			zap.String("status", string(status)),
			zap.Int("steps", len(result.Steps)),
			zap.Int("total_tokens", result.Usage.TotalTokens),
			zap.Duration("duration", result.Duration))
		return result, err
	}

	for index := 1; index <= a.config.MaxSteps; index++ {
		if err := ctx.Err(); err != nil {
			return finish(StatusCanceled, fmt.Errorf("run canceled before step %d: %w", index, err))
		}

		fa, err := a.step(ctx, rs, index)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StatusCanceled, fmt.Errorf("run canceled at step %d: %w", index, ctx.Err()))
			}
			return finish(StatusFailed, err)
		}
		if fa != nil {
			result.Answer = fa.Answer
			result.NeedsClarification = fa.NeedsClarification
			return finish(StatusSuccess, nil)
		}
	}

	partial, err := a.forceAnswer(ctx, rs)
	if err != nil {
		return finish(StatusCanceled, err)
	}
	result.Answer = partial
	rs.logger.Warn("step budget exhausted", zap.Int("max_steps", a.config.MaxSteps))
	return finish(StatusIncomplete, types.NewBudgetExhaustedError(a.config.MaxSteps, partial))
}

// step runs one think/act/observe iteration and records it. A non-nil
// FinalAnswer ends the run successfully.
func (a *Agent) step(ctx context.Context, rs *runState, index int) (fa *tools.FinalAnswer, err error) {
	ctx, span := a.tracer.Start(ctx, "agent.step", trace.WithAttributes(attribute.Int("agent.step", index)))
	s := Step{Index: index, StartedAt: time.Now()}
	status := "action"
	defer func() {
		s.Duration = time.Since(s.StartedAt)
		rs.usage.Add(s.Usage)
		rs.memory.Append(s)
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("agent.step_status", status), attribute.Int("agent.actions", len(s.Actions)))
		span.End()
		if a.observer != nil {
			a.observer.ObserveAgentStep(a.config.Name, status, s.Duration)
		}
		for _, cb := range a.stepCallbacks {
			cb(ctx, rs.info, s)
		}
	}()

	if a.config.PlanningInterval > 0 && (index-1)%a.config.PlanningInterval == 0 {
		plan, usage, err := a.plan(ctx, rs, index)
		s.Usage.Add(usage)
		if err != nil {
			return nil, fmt.Errorf("planning call at step %d: %w", index, err)
		}
		s.Plan = plan
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages := rs.memory.Messages(rs.system, rs.native)
	if s.Plan != "" {
		messages = append(messages, types.NewAssistantMessage(s.Plan))
	}
	req := &llm.ChatRequest{
		Model:       a.config.Model,
		Messages:    messages,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
		Stop:        stopSequences,
		Timeout:     a.config.RequestTimeout,
	}
	if rs.native {
		req.Tools = rs.schemas
		req.ToolChoice = "required"
	}
	resp, err := a.provider.Completion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model call at step %d: %w", index, err)
	}
	s.Usage.Add(resp.Usage)
	msg := resp.FirstMessage()
	s.ModelOutput = strings.TrimSpace(msg.Content)

	calls, perr := ParseActions(msg, rs.names)
	if perr != nil {
		status = "parse_error"
		s.ParseError = perr.Error()
		rs.parseFailures++
		rs.logger.Warn("unparseable model output",
			zap.Int("step", index), zap.Int("consecutive", rs.parseFailures), zap.Error(perr))
		if rs.parseFailures >= a.config.MaxParseErrors {
			return nil, types.NewParseError(
				fmt.Sprintf("%d consecutive outputs could not be parsed into actions", rs.parseFailures), perr)
		}
		return nil, nil
	}
	rs.parseFailures = 0

	final := -1
	for i, c := range calls {
		if c.Name == tools.FinalAnswerToolName {
			final = i
			break
		}
	}
	toRun := calls
	if final >= 0 {
		toRun = calls[:final]
		s.Skipped = len(calls) - final - 1
		s.Actions = calls[:final+1]
		if s.Skipped > 0 {
			rs.logger.Info("actions after final_answer skipped", zap.Int("step", index), zap.Int("skipped", s.Skipped))
		}
	} else {
		s.Actions = calls
	}

	results, execErr := a.executor.ExecuteAll(ctx, toRun)
	for i := range results {
		results[i] = truncateResult(results[i], a.config.MaxObservationChars)
	}
	s.Observations = results
	if execErr != nil {
		return nil, execErr
	}

	if final < 0 {
		return nil, nil
	}
	call := calls[final]
	answer, ferr := tools.ParseFinalAnswer(call.Arguments)
	if ferr != nil {
		s.Observations = append(s.Observations, tools.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Error:      ferr.Error(),
			ErrorCode:  types.GetErrorCode(ferr),
		})
		return nil, nil
	}
	s.Observations = append(s.Observations, tools.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Result:     tools.StringResult(answer.Answer),
	})
	status = "final_answer"
	rs.logger.Info("final answer", zap.Int("step", index), zap.Bool("needs_clarification", answer.NeedsClarification))
	return &answer, nil
}

// plan makes the tool-less planning call.
func (a *Agent) plan(ctx context.Context, rs *runState, index int) (string, llm.ChatUsage, error) {
	first := index == 1
	history := ""
	if !first {
		history = rs.memory.Summary(2000)
	}
	prompt := planningPrompt(rs.memory.Task(), first, history, a.config.MaxSteps-index+1,
		describeTools(rs.schemas, nil))

	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		Model:       a.config.Model,
		Messages:    []types.Message{types.NewUserMessage(prompt)},
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
		Stop:        []string{"<end_plan>"},
		Timeout:     a.config.RequestTimeout,
	})
	if err != nil {
		return "", llm.ChatUsage{}, err
	}
	plan := cleanPlan(resp.FirstMessage().Content)
	if plan == "" {
		return "", resp.Usage, nil
	}
	header := "Here is the plan of action that I will follow to solve the task:\n"
	if !first {
		header = "I still need to solve the task I was given. Here is my updated plan of action:\n"
	}
	rs.logger.Debug("plan updated", zap.Int("step", index))
	return header + plan, resp.Usage, nil
}

// forceAnswer asks for an answer without tools once the budget is spent. The
// result is never empty: it falls back to the last model output.
func (a *Agent) forceAnswer(ctx context.Context, rs *runState) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("run canceled before the forced answer: %w", err)
	}
	messages := rs.memory.Messages(rs.system, false)
	messages = append(messages, types.NewUserMessage(fmt.Sprintf(forcedAnswerPrompt, rs.memory.Task())))

	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		Model:       a.config.Model,
		Messages:    messages,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
		Timeout:     a.config.RequestTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("run canceled during the forced answer: %w", ctx.Err())
		}
		rs.logger.Warn("forced answer call failed", zap.Error(err))
	} else {
		rs.usage.Add(resp.Usage)
		msg := resp.FirstMessage()
		if answer := strings.TrimSpace(msg.Content); answer != "" {
			return answer, nil
		}
		// some models still answer through the tool despite no schema
		if calls, perr := ParseActions(msg, []string{tools.FinalAnswerToolName}); perr == nil && len(calls) > 0 {
			if fa, ferr := tools.ParseFinalAnswer(calls[0].Arguments); ferr == nil && strings.TrimSpace(fa.Answer) != "" {
				return fa.Answer, nil
			}
		}
	}

	steps := rs.memory.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		if out := strings.TrimSpace(steps[i].ModelOutput); out != "" {
			return out, nil
		}
	}
	return fmt.Sprintf("No answer could be produced within %d steps.", a.config.MaxSteps), nil
}

func truncateResult(r tools.ToolResult, limit int) tools.ToolResult {
	if limit <= 0 {
		return r
	}
	if r.Error != "" {
		r.Error, _ = tools.TruncateText(r.Error, limit)
		return r
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		s = string(r.Result)
	}
	if t, cut := tools.TruncateText(s, limit); cut {
		r.Result = tools.StringResult(t)
	}
	return r
}
