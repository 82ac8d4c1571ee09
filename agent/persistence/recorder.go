package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/pminervini/open-deep-research/agent"
	"go.uber.org/zap"
)

// Recorder writes agent runs and steps into a RunStore. Store failures are
// logged and never interrupt the run.
type Recorder struct {
	store   RunStore
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	started map[string]struct{}
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store RunStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		logger:  logger.With(zap.String("component", "run_recorder")),
		timeout: 5 * time.Second,
		started: make(map[string]struct{}),
	}
}

// Options returns the agent options that route callbacks to the recorder.
func (r *Recorder) Options() []agent.Option {
	return []agent.Option{
		agent.WithStepCallback(r.OnStep),
		agent.WithRunCallback(r.OnRun),
	}
}

// writeContext detaches from run cancellation so canceled runs are still
// recorded.
func (r *Recorder) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

// OnStep is an agent.StepCallback.
func (r *Recorder) OnStep(ctx context.Context, info agent.RunInfo, step agent.Step) {
	wctx, cancel := r.writeContext(ctx)
	defer cancel()

	r.mu.Lock()
	_, seen := r.started[info.RunID]
	r.started[info.RunID] = struct{}{}
	r.mu.Unlock()

	if !seen {
		run := &RunRecord{
			RunID:       info.RunID,
			ParentRunID: info.ParentRunID,
			Agent:       info.Agent,
			Task:        info.Task,
			Status:      RunStatusRunning,
			StartedAt:   step.StartedAt,
		}
		if err := r.store.SaveRun(wctx, run); err != nil {
			r.logger.Warn("failed to save run", zap.String("run_id", info.RunID), zap.Error(err))
		}
	}

	if err := r.store.AppendStep(wctx, StepFromAgent(info.RunID, step)); err != nil {
		r.logger.Warn("failed to save step",
			zap.String("run_id", info.RunID),
			zap.Int("step", step.Index),
			zap.Error(err),
		)
	}
}

// OnRun is an agent.RunCallback.
func (r *Recorder) OnRun(ctx context.Context, result *agent.RunResult, _ error) {
	if result == nil {
		return
	}
	wctx, cancel := r.writeContext(ctx)
	defer cancel()

	r.mu.Lock()
	delete(r.started, result.RunID)
	r.mu.Unlock()

	if err := r.store.SaveRun(wctx, RunFromResult(result)); err != nil {
		r.logger.Warn("failed to save run result", zap.String("run_id", result.RunID), zap.Error(err))
	}
}

// RunFromResult converts a finished run.
func RunFromResult(result *agent.RunResult) *RunRecord {
	finished := time.Now()
	started := finished.Add(-result.Duration)
	if len(result.Steps) > 0 && !result.Steps[0].StartedAt.IsZero() {
		started = result.Steps[0].StartedAt
	}
	return &RunRecord{
		RunID:              result.RunID,
		ParentRunID:        result.ParentRunID,
		Agent:              result.Agent,
		Task:               result.Task,
		Answer:             result.Answer,
		NeedsClarification: result.NeedsClarification,
		Status:             RunStatus(result.Status),
		StepsUsed:          len(result.Steps),
		PromptTokens:       result.Usage.PromptTokens,
		CompletionTokens:   result.Usage.CompletionTokens,
		Error:              result.Error,
		StartedAt:          started,
		FinishedAt:         &finished,
	}
}

// StepFromAgent converts a step, pairing each action with its observation.
// Actions skipped after final_answer keep an empty observation.
func StepFromAgent(runID string, step agent.Step) *StepRecord {
	rec := &StepRecord{
		RunID:       runID,
		Index:       step.Index,
		Plan:        step.Plan,
		ModelOutput: step.ModelOutput,
		ParseError:  step.ParseError,
		Skipped:     step.Skipped,
		TotalTokens: step.Usage.TotalTokens,
		StartedAt:   step.StartedAt,
		DurationMs:  step.Duration.Milliseconds(),
	}
	for _, call := range step.Actions {
		ar := ActionRecord{ID: call.ID, Name: call.Name, Arguments: string(call.Arguments)}
		for _, obs := range step.Observations {
			if obs.ToolCallID == call.ID {
				ar.Observation = obs.Observation()
				ar.Failed = obs.IsError()
				ar.DurationMs = obs.Duration.Milliseconds()
				break
			}
		}
		rec.Actions = append(rec.Actions, ar)
	}
	return rec
}
