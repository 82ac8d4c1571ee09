package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
	"go.uber.org/zap"
)

// DefaultMinTaskWords is the task length below which a delegation is
// answered with a reminder to write full sentences.
const DefaultMinTaskWords = 4

const managedTaskTemplate = `You're a helpful agent named '%s'.
You have been submitted this task by your manager.
---
Task:
%s
---
You're helping your manager solve a wider task: so make sure to not provide a one-line answer, but give as much information as possible to give them a clear understanding of the answer.

Your final_answer WILL HAVE to contain these parts:
### 1. Task outcome (short version):
### 2. Task outcome (extremely detailed version):
### 3. Additional context (if relevant):

Put all these in your final_answer tool, everything that you do not pass as an argument to final_answer will be lost.
And even if your task resolution is not successful, please return as much context as possible, so that your manager can act upon this feedback.`

// ManagedInfo is how a managed agent is presented to its delegator.
type ManagedInfo struct {
	Name        string
	Description string
}

// ManagedAgentConfig tunes how an agent is exposed as a delegation tool.
type ManagedAgentConfig struct {
	// Description overrides the managed agent's own description.
	Description string
	// ProvideRunSummary appends a condensed account of the managed run.
	ProvideRunSummary bool
	MinTaskWords      int
	// TaskSuffix is appended to every delegated task.
	TaskSuffix string
	// SummaryObservationChars caps each observation inside the run summary.
	SummaryObservationChars int
	// OnDelegation receives every finished delegation.
	OnDelegation func(ctx context.Context, rec DelegationRecord)
	Logger       *zap.Logger
}

// DelegationRecord is what comes back across the delegation boundary. The
// managed agent's memory never does.
type DelegationRecord struct {
	Agent         string `json:"agent"`
	RunID         string `json:"run_id"`
	Task          string `json:"task"`
	Summary       string `json:"summary"`
	Clarification bool   `json:"clarification,omitempty"`
	Incomplete    bool   `json:"incomplete,omitempty"`
	Status        Status `json:"status"`
	StepsUsed     int    `json:"steps_used"`
}

// NewManagedAgentTool exposes managed as a tool named after it. Each call
// starts a fresh run with its own memory and run ID.
func NewManagedAgentTool(managed *Agent, cfg ManagedAgentConfig) (tools.ToolFunc, tools.ToolMetadata) {
	if cfg.MinTaskWords <= 0 {
		cfg.MinTaskWords = DefaultMinTaskWords
	}
	if cfg.SummaryObservationChars <= 0 {
		cfg.SummaryObservationChars = 4000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "delegation"), zap.String("managed_agent", managed.Name()))

	description := cfg.Description
	if description == "" {
		description = managed.Description()
	}
	params := types.NewObjectSchema().
		AddProperty("task", types.NewStringSchema().
			WithDescription("Long detailed description of the task.")).
		AddProperty("additional_args", types.NewObjectSchema().AsNullable().
			WithDescription("Dictionary of extra inputs to pass to the managed agent, e.g. images, dataframes, or any other contextual data it may need.")).
		AddRequired("task")

	name := managed.Name()
	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Task           string          `json:"task"`
			AdditionalArgs json.RawMessage `json:"additional_args"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, types.NewInvalidArgumentError("task", "arguments must be an object with a 'task' string")
		}
		task := strings.TrimSpace(in.Task)
		if task == "" {
			return nil, types.NewInvalidArgumentError("task", "task must not be empty")
		}

		words := len(strings.Fields(task))
		short := words < cfg.MinTaskWords
		if short {
			logger.Warn("delegated task is very short", zap.Int("words", words), zap.String("task", task))
		}

		full := task
		if extra := compactJSON(in.AdditionalArgs); extra != "{}" && extra != "null" {
			full += "\nYou have been provided with these additional arguments:\n" + extra
		}
		if cfg.TaskSuffix != "" {
			full += "\n" + cfg.TaskSuffix
		}

		parentID, _ := types.RunID(ctx)
		childCtx := types.WithParentRunID(types.WithRunID(ctx, ""), parentID)
		res, err := managed.Run(childCtx, fmt.Sprintf(managedTaskTemplate, name, full))

		rec := DelegationRecord{Agent: name, Task: task}
		if res != nil {
			rec.RunID = res.RunID
			rec.StepsUsed = len(res.Steps)
			rec.Status = res.Status
		}
		switch {
		case err == nil:
			rec.Clarification = res.NeedsClarification
			rec.Summary = successText(name, res, cfg)
		case types.IsErrorCode(err, types.ErrBudgetExhausted):
			partial := ""
			if e, ok := types.AsError(err); ok {
				partial = e.Partial
			}
			incomplete := types.NewDelegationIncompleteError(name, partial, err)
			logger.Warn("managed agent did not finish", zap.Error(incomplete), zap.Int("steps", rec.StepsUsed))
			rec.Incomplete = true
			rec.Status = StatusIncomplete
			rec.Summary = incompleteText(name, partial, res)
		default:
			return nil, err
		}

		if short {
			rec.Summary = fmt.Sprintf("Note: your request to '%s' was only %d words long. "+
				"Ask your team members real sentences with as much context as possible, not search keywords.\n\n", name, words) + rec.Summary
		}
		if cfg.OnDelegation != nil {
			cfg.OnDelegation(ctx, rec)
		}
		return tools.StringResult(rec.Summary), nil
	}

	return fn, tools.ToolMetadata{
		Schema: types.NewToolSchema(name, description, params, "string"),
		// the managed run has its own budget and request timeouts
		Timeout: managed.config.RequestTimeout * time.Duration(managed.config.MaxSteps+2),
		// the managed agent's tools (and browser) are shared by every call
		Sequential: true,
	}
}

func successText(name string, res *RunResult, cfg ManagedAgentConfig) string {
	var b strings.Builder
	if res.NeedsClarification {
		fmt.Fprintf(&b, "Your managed agent '%s' needs clarification before it can complete the task:\n%s", name, res.Answer)
	} else {
		fmt.Fprintf(&b, "Here is the final answer from your managed agent '%s':\n%s", name, res.Answer)
	}
	if cfg.ProvideRunSummary && res.Memory != nil {
		b.WriteString("\n\nFor more detail, find below a summary of this agent's work:\n<summary_of_work>\n")
		b.WriteString(res.Memory.Summary(cfg.SummaryObservationChars))
		b.WriteString("\n</summary_of_work>")
	}
	return b.String()
}

func incompleteText(name, partial string, res *RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your managed agent '%s' ran out of steps before finishing (status: %s). Here is its partial answer:\n%s",
		name, StatusIncomplete, partial)
	if res != nil && res.Memory != nil {
		b.WriteString("\n\nSummary of the work done so far:\n<summary_of_work>\n")
		b.WriteString(res.Memory.Summary(2000))
		b.WriteString("\n</summary_of_work>")
	}
	return b.String()
}

// AddManagedAgent registers managed as a delegation tool of a. It must be
// called before the first Run.
func (a *Agent) AddManagedAgent(managed *Agent, cfg ManagedAgentConfig) error {
	if managed == nil {
		return fmt.Errorf("agent %s: managed agent is nil", a.config.Name)
	}
	if managed == a {
		return fmt.Errorf("agent %s cannot manage itself", a.config.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	fn, meta := NewManagedAgentTool(managed, cfg)
	if err := a.registry.Register(managed.Name(), fn, meta); err != nil {
		return fmt.Errorf("register managed agent %s: %w", managed.Name(), err)
	}
	a.managed = append(a.managed, ManagedInfo{Name: managed.Name(), Description: meta.Schema.Description})
	a.logger.Info("managed agent added", zap.String("managed_agent", managed.Name()))
	return nil
}

// ManagedAgents lists the agents a delegates to.
func (a *Agent) ManagedAgents() []ManagedInfo {
	return append([]ManagedInfo(nil), a.managed...)
}
