package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pminervini/open-deep-research/config"
	"github.com/pminervini/open-deep-research/internal/logging"
	"github.com/pminervini/open-deep-research/internal/telemetry"
	"github.com/pminervini/open-deep-research/research"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitStartup = 2
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupError(err error) error { return &exitError{code: exitStartup, err: err} }

// runtimeOptions lets tests replace the model and search collaborators.
var runtimeOptions []research.Option

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	model       string
	apiBase     string
	apiKey      string
	searchTools []string
	logLevel    string
}

func (f *globalFlags) loadConfig() (*config.Config, error) {
	return config.NewLoader().
		WithConfigPath(f.configPath).
		WithOverride(func(c *config.Config) {
			if f.model != "" {
				c.LLM.Model = f.model
			}
			if f.apiBase != "" {
				c.LLM.BaseURL = f.apiBase
			}
			if f.apiKey != "" {
				c.LLM.APIKey = f.apiKey
			}
			if len(f.searchTools) > 0 {
				c.Search.Providers = f.searchTools
			}
			if f.logLevel != "" {
				c.Log.Level = f.logLevel
			}
		}).
		Load()
}

// app is everything a command needs once startup succeeded.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	runtime   *research.Runtime
	telemetry *telemetry.Providers
	closeLog  func() error
}

// newApp loads configuration and builds the runtime. command names the
// entry point in telemetry.
func newApp(f *globalFlags, command string) (*app, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, startupError(fmt.Errorf("load config: %w", err))
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, startupError(fmt.Errorf("init logger: %w", err))
	}

	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}
	a.telemetry, err = telemetry.Init(cfg.Telemetry, telemetry.Deployment{
		Version:         Version,
		Command:         command,
		Model:           cfg.LLM.Model,
		APIBase:         cfg.LLM.BaseURL,
		Agents:          []string{research.ManagerName, research.SearcherName},
		SearchProviders: cfg.Search.Providers,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	a.runtime, err = research.NewRuntime(cfg, logger, runtimeOptions...)
	if err != nil {
		a.close()
		return nil, startupError(err)
	}
	logger.Info("research agent ready",
		zap.String("model", cfg.LLM.Model),
		zap.Strings("search_tools", cfg.Search.Providers),
		zap.String("run_store", string(cfg.Persistence.Type)))
	return a, nil
}

// serve runs work while /metrics is exposed, when configured.
func (a *app) serve(ctx context.Context, work func(ctx context.Context) error) error {
	if a.cfg.Metrics.Addr == "" {
		return work(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.runtime.Metrics().Serve(gctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return work(gctx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			a.logger.Warn("failed to close runtime", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to shut down telemetry", zap.Error(err))
	}
	_ = a.closeLog()
}
