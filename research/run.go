package research

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/agent"
	"github.com/pminervini/open-deep-research/agent/browser"
	"github.com/pminervini/open-deep-research/config"
	"github.com/pminervini/open-deep-research/document"
	"github.com/pminervini/open-deep-research/internal/workspace"
	"github.com/pminervini/open-deep-research/llm/tools"
	"github.com/pminervini/open-deep-research/types"
)

// RunContext is what one research run owns.
type RunContext struct {
	ID        string
	Workspace *workspace.Workspace
	Logger    *zap.Logger

	keep bool
}

// NewRunContext allocates a run ID and a workspace directory named after it.
func (r *Runtime) NewRunContext() (*RunContext, error) {
	id := uuid.NewString()
	ws, err := workspace.New(filepath.Join(r.cfg.Workspace.Dir, id))
	if err != nil {
		return nil, fmt.Errorf("create run workspace: %w", err)
	}
	return &RunContext{
		ID:        id,
		Workspace: ws,
		Logger:    r.logger.With(zap.String("run_id", id)),
		keep:      r.cfg.Workspace.Keep,
	}, nil
}

// Close removes the workspace unless the configuration keeps downloads.
func (rc *RunContext) Close() error {
	if rc.keep {
		return nil
	}
	return os.RemoveAll(rc.Workspace.Dir)
}

// Team is the manager with its searcher, wired for one run.
type Team struct {
	Manager  *agent.Agent
	Searcher *agent.Agent
	Browser  *browser.Browser
	docs     *document.Dispatcher
}

// NewTeam builds a fresh team bound to rc. Teams are never shared between
// runs because the browser session is stateful.
func (r *Runtime) NewTeam(rc *RunContext) (*Team, error) {
	docs := document.NewDispatcher(r.cfg.Document,
		document.WithVision(r.vision),
		document.WithTranscriber(r.transcriber),
		document.WithHTTPClient(r.client),
		document.WithLogger(rc.Logger),
	)
	inspector := tools.TextInspectorConfig{
		Converter: document.ToolConverter{Dispatcher: docs},
		Model:     r.model,
		ModelName: r.cfg.LLM.Model,
		TextLimit: r.cfg.Agent.TextLimit,
		MaxTokens: r.cfg.Agent.Searcher.MaxTokens,
		Timeout:   r.cfg.Agent.RequestTimeout,
	}

	// searcher: browser tools and the text inspector
	b := browser.New(r.cfg.Browser,
		browser.WithHTTPClient(r.client),
		browser.WithCookieJar(r.jar),
		browser.WithSearch(r.search),
		browser.WithDispatcher(docs),
		browser.WithWorkspace(rc.Workspace),
		browser.WithLogger(rc.Logger),
	)
	searchTools := tools.NewDefaultRegistry(rc.Logger)
	if err := browser.RegisterTools(searchTools, b, rc.Logger); err != nil {
		return nil, err
	}
	searchInspectFn, searchInspectMeta := tools.NewTextInspectorTool(inspector, rc.Logger)
	if err := registerTool(searchTools, searchInspectFn, searchInspectMeta); err != nil {
		return nil, err
	}
	searcherCfg := agentConfig(SearcherName, r.cfg.Agent.Searcher, r.cfg)
	searcherCfg.Description = SearchAgentDescription
	searcher, err := agent.New(r.model, searchTools, searcherCfg, r.agentOptions(searchTools, r.cfg.Agent.Searcher, rc.Logger)...)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", SearcherName, err)
	}

	// manager: visualizer, text inspector and the searcher
	managerTools := tools.NewDefaultRegistry(rc.Logger)
	if r.vision != nil {
		visualizerFn, visualizerMeta := tools.NewVisualizerTool(r.vision, r.cfg.Agent.RequestTimeout)
		if err := registerTool(managerTools, visualizerFn, visualizerMeta); err != nil {
			return nil, err
		}
	}
	inspector.MaxTokens = r.cfg.Agent.Manager.MaxTokens
	managerInspectFn, managerInspectMeta := tools.NewTextInspectorTool(inspector, rc.Logger)
	if err := registerTool(managerTools, managerInspectFn, managerInspectMeta); err != nil {
		return nil, err
	}
	manager, err := agent.New(r.model, managerTools, agentConfig(ManagerName, r.cfg.Agent.Manager, r.cfg),
		r.agentOptions(managerTools, r.cfg.Agent.Manager, rc.Logger)...)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", ManagerName, err)
	}
	err = manager.AddManagedAgent(searcher, agent.ManagedAgentConfig{
		Description:       SearchAgentDescription,
		ProvideRunSummary: r.cfg.Agent.ProvideRunSummary,
		TaskSuffix:        SearchTaskSuffix,
		Logger:            rc.Logger,
		OnDelegation: func(_ context.Context, rec agent.DelegationRecord) {
			rc.Logger.Info("delegation finished",
				zap.String("managed_agent", rec.Agent),
				zap.String("child_run_id", rec.RunID),
				zap.String("status", string(rec.Status)),
				zap.Int("steps", rec.StepsUsed),
				zap.Bool("clarification", rec.Clarification))
		},
	})
	if err != nil {
		return nil, err
	}

	return &Team{Manager: manager, Searcher: searcher, Browser: b, docs: docs}, nil
}

func registerTool(reg tools.ToolRegistry, fn tools.ToolFunc, meta tools.ToolMetadata) error {
	if err := reg.Register(meta.Schema.Name, fn, meta); err != nil {
		return fmt.Errorf("register %s: %w", meta.Schema.Name, err)
	}
	return nil
}

func agentConfig(name string, budget config.AgentBudget, cfg *config.Config) agent.Config {
	ac := agent.DefaultConfig(name)
	ac.Model = cfg.LLM.Model
	ac.MaxSteps = budget.MaxSteps
	ac.PlanningInterval = budget.PlanningInterval
	ac.MaxParseErrors = budget.MaxParseErrors
	ac.MaxTokens = budget.MaxTokens
	ac.MaxObservationChars = budget.MaxObservationChars
	ac.Temperature = budget.Temperature
	if cfg.Agent.RequestTimeout > 0 {
		ac.RequestTimeout = cfg.Agent.RequestTimeout
	}
	return ac
}

func (r *Runtime) agentOptions(reg tools.ToolRegistry, budget config.AgentBudget, logger *zap.Logger) []agent.Option {
	executor := tools.NewDefaultExecutor(reg, tools.ExecutorConfig{
		MaxConcurrency:      4,
		MaxObservationChars: budget.MaxObservationChars,
	}, logger).WithObserver(r.metrics)

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithExecutor(executor),
		agent.WithObserver(r.metrics),
	}
	return append(opts, r.recorder.Options()...)
}

// Run answers one question. attachment, when set, is a local file described
// to the manager before the run starts. The result carries the best partial
// answer when the run does not finish.
func (r *Runtime) Run(ctx context.Context, question, attachment string) (*agent.RunResult, error) {
	rc, err := r.NewRunContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			rc.Logger.Warn("failed to remove run workspace", zap.Error(err))
		}
	}()

	team, err := r.NewTeam(rc)
	if err != nil {
		return nil, err
	}

	task := question
	if attachment != "" {
		desc, err := r.describer(team.docs).Describe(ctx, attachment, question)
		if err != nil {
			return nil, fmt.Errorf("describe attachment %s: %w", attachment, err)
		}
		task = strings.TrimRight(question, "\n") + attachmentPreamble + desc
	}

	if r.cfg.Agent.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Agent.RunTimeout)
		defer cancel()
	}
	ctx = types.WithRunID(ctx, rc.ID)

	rc.Logger.Info("research run started", zap.String("question", question), zap.String("attachment", attachment))
	return team.Manager.Run(ctx, task)
}
