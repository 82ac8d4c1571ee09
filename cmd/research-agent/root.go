package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/agent"
)

// Version is set at build time.
var Version = "dev"

func newRootCmd(stdout io.Writer) *cobra.Command {
	flags := &globalFlags{}
	var file string

	cmd := &cobra.Command{
		Use:   "research-agent [question]",
		Short: "Answer a research question by searching and browsing the web",
		Long: `research-agent runs a manager agent that plans, inspects files and delegates
web research to a search agent with a text browser.

Environment: OPENAI_API_KEY, OPENAI_BASE_URL, SERPER_API_KEY, SERPAPI_API_KEY,
BRAVE_API_KEY and any ODR_* override of the configuration file.`,
		Example: `  research-agent "What are the latest developments in quantum computing?"
  research-agent "Find the population of Tokyo in 2023" --api-base http://localhost:11434/v1 --api-key api-key
  research-agent "Latest AI research papers" --search-tools duckduckgo,wikipedia
  research-agent "What does the attached sheet total?" --file data/sales.xlsx`,
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuestion(cmd.Context(), flags, args[0], file, stdout)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "config.yaml", "configuration file (YAML); missing is fine")
	pf.StringVarP(&flags.model, "model", "m", "", "model id, e.g. o1 or openai/gpt-4o")
	pf.StringVar(&flags.apiBase, "api-base", "", "base URL of the OpenAI-compatible API")
	pf.StringVar(&flags.apiKey, "api-key", "", "API key (default $OPENAI_API_KEY)")
	pf.StringSliceVarP(&flags.searchTools, "search-tools", "s", nil,
		"search tools: google, duckduckgo, wikipedia, brave, websearch (repeat or comma-separate)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringVar(&file, "file", "", "local file attached to the question")

	cmd.AddCommand(newBatchCmd(flags, stdout))
	return cmd
}

func runQuestion(ctx context.Context, flags *globalFlags, question, file string, stdout io.Writer) error {
	if strings.TrimSpace(question) == "" {
		return startupError(errors.New("question must not be empty"))
	}
	a, err := newApp(flags, "research-agent")
	if err != nil {
		return err
	}
	defer a.close()

	var res *agent.RunResult
	err = a.serve(ctx, func(ctx context.Context) error {
		var runErr error
		res, runErr = a.runtime.Run(ctx, question, file)
		return runErr
	})
	if err != nil {
		a.logger.Error("research run failed", zap.Error(err))
		if res != nil && res.Answer != "" {
			fmt.Fprintf(stdout, "Got this answer (%s, not final): %s\n", res.Status, res.Answer)
		}
		return &exitError{code: exitFailure, err: err}
	}
	fmt.Fprintf(stdout, "Got this answer: %s\n", res.Answer)
	return nil
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// flag and argument errors
	return exitStartup
}
