package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pminervini/open-deep-research/research"
)

func newBatchCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	var (
		input       string
		output      string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Answer every question of a JSONL file",
		Long: `Each input line is {"id": "...", "question": "...", "file": "optional/path"}.
Answers are appended to the output file as JSON lines, in input order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), flags, input, output, concurrency, cmd.Flags().Changed("concurrency"), stdout)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "questions file (JSONL)")
	cmd.Flags().StringVar(&output, "output", "", "answers file (JSONL, default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "questions answered in parallel (default from config)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runBatch(ctx context.Context, flags *globalFlags, input, output string, concurrency int, setConcurrency bool, stdout io.Writer) error {
	in, err := os.Open(input)
	if err != nil {
		return startupError(err)
	}
	questions, err := research.ReadQuestions(in)
	in.Close()
	if err != nil {
		return startupError(fmt.Errorf("read %s: %w", input, err))
	}

	a, err := newApp(flags, "batch")
	if err != nil {
		return err
	}
	defer a.close()
	if setConcurrency {
		if concurrency < 1 {
			return startupError(fmt.Errorf("concurrency must be at least 1, got %d", concurrency))
		}
		a.cfg.Batch.Concurrency = concurrency
	}
	if output == "" {
		output = a.cfg.Batch.Output
	}

	out, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return startupError(err)
	}
	defer out.Close()

	a.logger.Info("batch started",
		zap.Int("questions", len(questions)),
		zap.Int("concurrency", a.cfg.Batch.Concurrency),
		zap.String("output", output))
	err = a.serve(ctx, func(ctx context.Context) error {
		return a.runtime.Batch(ctx, questions, out)
	})
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	if err := out.Sync(); err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	fmt.Fprintf(stdout, "Wrote %d answers to %s\n", len(questions), output)
	return nil
}
